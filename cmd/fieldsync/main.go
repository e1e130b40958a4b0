package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/outreachworks/fieldsync/internal/execclient"
	"github.com/outreachworks/fieldsync/internal/fieldsync"
	"github.com/outreachworks/fieldsync/internal/statusapi"
)

func main() {
	baseURL := flag.String("api-base", envOrDefault("FIELDSYNC_API_BASE", "http://127.0.0.1:8080"), "coordinator API base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("FIELDSYNC_TOKEN")), "bearer token")
	tokenFile := flag.String("token-file", strings.TrimSpace(os.Getenv("FIELDSYNC_TOKEN_FILE")), "path to a rotating bearer token file")
	runID := flag.Int64("run", int64Env("FIELDSYNC_RUN_ID", 0), "run ID to execute")
	volunteerID := flag.Int64("volunteer", int64Env("FIELDSYNC_VOLUNTEER_ID", 0), "volunteer user ID recorded on status history")
	queueDSN := flag.String("queue-dsn", strings.TrimSpace(os.Getenv("FIELDSYNC_QUEUE_DSN")), "action queue DSN (file://, sqlite://, postgres://, memory://)")
	queueCapacity := flag.Int("queue-capacity", intEnv("FIELDSYNC_QUEUE_CAPACITY", 0), "maximum pending actions")
	listenAddr := flag.String("listen", envOrDefault("FIELDSYNC_LISTEN", ":8090"), "status API listen address")
	jwtSecret := flag.String("jwt-secret", strings.TrimSpace(os.Getenv("FIELDSYNC_JWT_SECRET")), "status API JWT secret")
	syncInterval := flag.Duration("sync-interval", durationEnv("FIELDSYNC_SYNC_INTERVAL", 30*time.Second), "periodic sync trigger interval")
	pollInterval := flag.Duration("poll-interval", durationEnv("FIELDSYNC_POLL_INTERVAL", 20*time.Second), "reconciliation poll interval")
	timeout := flag.Duration("timeout", durationEnv("FIELDSYNC_TIMEOUT", 15*time.Second), "per-call HTTP timeout")
	flag.Parse()

	if *runID <= 0 {
		log.Fatalf("run is required (--run or FIELDSYNC_RUN_ID)")
	}
	if strings.TrimSpace(*token) == "" && strings.TrimSpace(*tokenFile) == "" {
		log.Fatalf("a credential is required (--token, --token-file, FIELDSYNC_TOKEN, or FIELDSYNC_TOKEN_FILE)")
	}

	tokens, closeTokens, err := buildTokenSource(*token, *tokenFile)
	if err != nil {
		log.Fatalf("failed to initialize token source: %v", err)
	}
	defer closeTokens()

	queue, err := buildQueue(*queueDSN, *queueCapacity)
	if err != nil {
		log.Fatalf("failed to initialize action queue: %v", err)
	}
	defer func() { _ = queue.Close() }()

	client := execclient.NewClient(*baseURL, tokens, &http.Client{Timeout: *timeout})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initialCtx, cancel := context.WithTimeout(rootCtx, *timeout)
	initial, err := client.ExecutionContext(initialCtx, *runID)
	cancel()
	if err != nil {
		log.Fatalf("failed to fetch execution context for run %d: %v", *runID, err)
	}
	session := fieldsync.NewRunSession(initial)

	bus := fieldsync.NewEventBus()
	var engine *fieldsync.Engine
	reconciler, err := fieldsync.NewReconciler(client, session, bus, *runID, fieldsync.ReconcilerOptions{
		PollInterval: *pollInterval,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize reconciler: %v", err)
	}
	engine, err = fieldsync.NewEngine(queue, client, bus, fieldsync.EngineOptions{
		SyncInterval: *syncInterval,
		Logger:       log.Default(),
		OnDrainSuccess: func() {
			refreshCtx, cancel := context.WithTimeout(rootCtx, *timeout)
			defer cancel()
			if err := reconciler.Refresh(refreshCtx, time.Time{}); err != nil && rootCtx.Err() == nil {
				log.Printf("post-drain context refresh failed: %v", err)
			}
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}
	defer engine.Close()

	controller, err := fieldsync.NewController(session, engine, *volunteerID)
	if err != nil {
		log.Fatalf("failed to initialize controller: %v", err)
	}

	server := statusapi.NewServer(queue, engine, session, controller, statusapi.ServerConfig{
		JWTSecret: *jwtSecret,
	})
	httpServer := &http.Server{Addr: *listenAddr, Handler: server}
	go func() {
		log.Printf("fieldsync status API listening on %s", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("status server failed: %v", err)
		}
	}()

	go engine.Run(rootCtx)
	go reconciler.Run(rootCtx)

	// Flush anything left over from the previous session.
	engine.TriggerSync()

	<-rootCtx.Done()
	log.Printf("fieldsync stopping: %v", rootCtx.Err())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildTokenSource(token, tokenFile string) (execclient.TokenSource, func(), error) {
	if strings.TrimSpace(tokenFile) != "" {
		source, err := execclient.NewFileTokenSource(tokenFile, log.Default())
		if err != nil {
			return nil, nil, err
		}
		return source, func() { _ = source.Close() }, nil
	}
	return execclient.StaticToken(token), func() {}, nil
}

func buildQueue(dsn string, capacity int) (fieldsync.ActionQueue, error) {
	if strings.TrimSpace(dsn) == "" {
		dataDir := envOrDefault("FIELDSYNC_DATA_DIR", ".fieldsync")
		dsn = "sqlite://" + filepath.Join(dataDir, "actions.db")
	}
	return fieldsync.BuildActionQueueFromDSN(dsn, capacity)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
