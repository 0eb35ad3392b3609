package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/manthankhawse/ctf-game-web/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{}); err != nil {
		log.Fatalf("%v", err)
	}
}
