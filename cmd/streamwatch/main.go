// streamwatch subscribes to gateway topics and prints every update as a
// JSON line. It reconnects on connection loss and restores its
// subscriptions.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"streamgate/internal/logger"
	"streamgate/pkg/client"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	topics := flag.String("topics", "network_metrics", "comma separated topics to subscribe to")
	token := flag.String("token", "", "bearer token sent with the upgrade request")
	ping := flag.Duration("ping", 30*time.Second, "application ping interval, 0 to disable")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *level, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamwatch: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	cfg := client.DefaultConfig(*url)
	cfg.PingInterval = *ping
	cfg.Logger = log
	if *token != "" {
		cfg.Header = http.Header{"Authorization": []string{"Bearer " + *token}}
	}
	r := client.New(cfg)

	for _, t := range strings.Split(*topics, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if err := r.Subscribe(t); err != nil {
			log.Fatal("bad topic", zap.String("topic", t), zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for env := range r.Messages() {
		line, err := env.Encode()
		if err != nil {
			log.Warn("unprintable message", zap.Error(err))
			continue
		}
		fmt.Println(string(line))
	}

	if err := <-done; err != nil {
		log.Error("watch stopped", zap.Error(err))
		os.Exit(1)
	}
}
