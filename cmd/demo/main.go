package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/parkerroan/bouncer"
	"golang.org/x/exp/slog"
)

type Config struct {
	Interval time.Duration  `envconfig:"FIRE_INTERVAL" default:"50ms"`
	Duration time.Duration  `envconfig:"RUN_FOR" default:"3s"`
	Bouncer  bouncer.Config `envconfig:"BOUNCER"`
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("unexpected error loading .env file", slog.Any("error", err))
	}

	cfg := Config{Bouncer: bouncer.Config{Handler: "print", Every: "500ms"}}
	if err := envconfig.Process("DEMO", &cfg); err != nil {
		slog.Error("error loading config", slog.Any("error", err))
		os.Exit(1)
	}

	start := time.Now()
	var execCount atomic.Int64
	handlers := map[string]func(){
		"print": func() {
			n := execCount.Add(1)
			fmt.Printf("coalesced call %d at %v\n", n, time.Since(start).Round(time.Millisecond))
		},
		"count": func() { execCount.Add(1) },
	}

	opts, err := cfg.Bouncer.Options(handlers)
	if err != nil {
		slog.Error("invalid bouncer config", slog.Any("error", err))
		os.Exit(1)
	}
	b, err := bouncer.New(opts...)
	if err != nil {
		slog.Error("invalid bouncer config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	fmt.Printf("%v firing every %v for %v\n", b, cfg.Interval, cfg.Duration)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	fires := 0
	for {
		select {
		case <-ticker.C:
			fires++
			b.Fire()
		case <-ctx.Done():
			// let the trailing call land
			for b.Active() {
				time.Sleep(10 * time.Millisecond)
			}
			fmt.Printf("%d fires coalesced into %d calls\n", fires, execCount.Load())
			return
		}
	}
}
