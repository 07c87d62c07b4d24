package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Webhook отправляет оповещение POST-запросом с JSON {"text": ..., "sent_at": ...}.
type Webhook struct {
	URL    string
	HTTP   *http.Client
	Logger *log.Logger

	mu            sync.Mutex
	totalDuration time.Duration
	totalCalls    int64
}

type webhookPayload struct {
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// NewWebhook проверяет адрес. Поддерживаются только http и https.
func NewWebhook(rawURL string) (*Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("alert: webhook: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("alert: webhook: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("alert: webhook: host is empty")
	}
	return &Webhook{URL: u.String()}, nil
}

func (w *Webhook) Notify(ctx context.Context, text string) error {
	if w == nil || w.URL == "" {
		return errors.New("alert: webhook: url is empty")
	}
	httpClient := w.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	body, err := json.Marshal(webhookPayload{Text: text, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("alert: webhook: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: webhook: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alert: webhook: do request: %w", err)
	}
	defer resp.Body.Close()
	w.account(time.Since(start), resp.Status)

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alert: webhook: status=%s body=%s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (w *Webhook) account(elapsed time.Duration, status string) {
	if w.Logger == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalDuration += elapsed
	w.totalCalls++
	avg := time.Duration(int64(w.totalDuration) / w.totalCalls)
	w.Logger.Printf("alert: webhook -> %s (%s, avg %s over %d calls)", status, elapsed, avg, w.totalCalls)
}

// Multi рассылает оповещение всем получателям. Ошибки объединяются.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
