package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

var binVersion = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(&cli{}).ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}
