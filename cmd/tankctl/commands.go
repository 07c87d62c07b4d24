package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pv/tankwatch-go/internal/reconciler"
	"github.com/pv/tankwatch-go/internal/storage/memstore"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

func (c *cli) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLatestCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Prints the newest telemetry snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.withTimeout(cmd.Context())
			defer cancel()
			store, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := reconciler.NewFeed(store, reconciler.WithFetchTimeout(c.timeout)).FetchLatest(ctx)
			if err != nil {
				if errors.Is(err, telemetry.ErrNotFound) {
					return errors.New("no telemetry rows found")
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"snapshot":    snap,
				"tank_status": snap.Status(),
			})
		},
	}
}

func newRecentCommand(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Lists the newest rows without decoding them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			ctx, cancel := c.withTimeout(cmd.Context())
			defer cancel()
			store, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIMESTAMP\tVALUES")
			for _, r := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", r.ID, r.Timestamp, r.Values)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of rows")
	return cmd
}

func newProbeCommand(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Checks direct access to the telemetry table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.withTimeout(cmd.Context())
			defer cancel()
			store, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := reconciler.NewFeed(store, reconciler.WithFetchTimeout(c.timeout)).Probe(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "rows to read")
	return cmd
}

func newWatchCommand(c *cli) *cobra.Command {
	var policyName string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follows the live tank state and prints every change as a JSON line",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := reconciler.ParsePolicy(policyName)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			out := json.NewEncoder(cmd.OutOrStdout())
			rec := reconciler.New(reconciler.NewFeed(store, reconciler.WithFetchTimeout(c.timeout)),
				reconciler.WithPolicy(policy),
				reconciler.WithObserver(func(v reconciler.View) { _ = out.Encode(v) }),
			)
			defer rec.Detach()
			if err := rec.Attach(ctx); err != nil && !errors.Is(err, telemetry.ErrNotFound) {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&policyName, "policy", "guard", "reconcile policy: guard | accept-all")
	return cmd
}

func newSeedCommand(c *cli) *cobra.Command {
	var (
		count int
		every time.Duration
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Inserts simulated tank cycle rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			ctx := cmd.Context()
			store, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			start := time.Now().Add(-time.Duration(count) * every)
			rows, err := memstore.NewSimulator().Seed(ctx, store, start, every, count)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d rows", len(rows))
			if len(rows) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), " (ids %d..%d)", rows[0].ID, rows[len(rows)-1].ID)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 60, "rows to insert")
	cmd.Flags().DurationVar(&every, "every", time.Second, "time between rows")
	return cmd
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func newSchemaCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Creates the telemetry table (and the notify trigger for postgres)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.withTimeout(cmd.Context())
			defer cancel()
			store, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			s, ok := store.(schemaEnsurer)
			if !ok {
				return fmt.Errorf("backend %T has no schema to create", store)
			}
			if err := s.EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is ready")
			return nil
		},
	}
}
