package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/outreachworks/fieldsync/internal/execclient"
	"github.com/outreachworks/fieldsync/internal/fieldsync"
)

// fieldsync-drain flushes a queue left behind by a previous session and
// exits. Useful when a device comes back online after the run ended.
func main() {
	baseURL := flag.String("api-base", envOrDefault("FIELDSYNC_API_BASE", "http://127.0.0.1:8080"), "coordinator API base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("FIELDSYNC_TOKEN")), "bearer token")
	queueDSN := flag.String("queue-dsn", strings.TrimSpace(os.Getenv("FIELDSYNC_QUEUE_DSN")), "action queue DSN (file://, sqlite://, postgres://)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall drain timeout")
	verbose := flag.Bool("verbose", false, "log each action as it syncs")
	flag.Parse()

	if strings.TrimSpace(*queueDSN) == "" {
		log.Fatalf("queue-dsn is required (--queue-dsn or FIELDSYNC_QUEUE_DSN)")
	}
	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or FIELDSYNC_TOKEN)")
	}

	queue, err := fieldsync.BuildActionQueueFromDSN(*queueDSN, 0)
	if err != nil {
		log.Fatalf("failed to open action queue: %v", err)
	}
	defer func() { _ = queue.Close() }()

	client := execclient.NewClient(*baseURL, execclient.StaticToken(*token), &http.Client{Timeout: 15 * time.Second})

	bus := fieldsync.NewEventBus()
	engine, err := fieldsync.NewEngine(queue, client, bus, fieldsync.EngineOptions{
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}
	defer engine.Close()

	if *verbose {
		events, dispose := bus.Subscribe(64)
		defer dispose()
		go func() {
			for ev := range events {
				switch ev.Type {
				case fieldsync.EventSynced:
					log.Printf("synced action %d (%s)", ev.ActionID, ev.Kind)
				case fieldsync.EventSyncError:
					log.Printf("action %d (%s) failed: %s", ev.ActionID, ev.Kind, ev.Err)
				}
			}
		}()
	}

	before := queue.PendingCount()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	engine.DrainOnce(ctx)

	pending, err := queue.ListPending()
	if err != nil {
		log.Fatalf("failed to list pending actions: %v", err)
	}
	failed, err := queue.ListFailed()
	if err != nil {
		log.Fatalf("failed to list failed actions: %v", err)
	}

	fmt.Printf("drained %d of %d actions (%d still pending, %d failed)\n",
		before-len(pending)-len(failed), before, len(pending), len(failed))
	for _, action := range failed {
		fmt.Printf("  failed #%d %s after %d attempts: %s\n", action.ID, action.Kind, action.RetryCount, action.LastError)
	}
	if len(pending) > 0 || len(failed) > 0 {
		os.Exit(1)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
