// Worker runs the background jobs: it consumes token lifecycle events from
// Kafka and pushes them to Loki, and periodically purges long-dead session
// rows. Each job starts only when its config is present; at least one must be.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"jobblog/backend/internal/config"
	"jobblog/backend/internal/db"
	sessionrepo "jobblog/backend/internal/session/repository"
	"jobblog/backend/internal/telemetry/loki"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	brokers := cfg.TelemetryKafkaBrokersList()
	pumpEnabled := len(brokers) > 0 && cfg.LokiURL != ""
	purgeEnabled := cfg.DatabaseURL != ""
	if !pumpEnabled && !purgeEnabled {
		log.Fatal("worker: set KAFKA_BROKERS and LOKI_URL for the event pump, DATABASE_URL for the session purge, or both")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("worker: shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup
	if pumpEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runEventPump(ctx, cfg, brokers)
		}()
	}
	if purgeEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSessionPurge(ctx, cfg)
		}()
	}
	wg.Wait()
	log.Println("worker: stopped")
}

// runEventPump consumes lifecycle events from Kafka and pushes them to Loki.
func runEventPump(ctx context.Context, cfg *config.Config, brokers []string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.TelemetryKafkaTopic,
		GroupID:        cfg.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	log.Printf("worker: consuming from %s (group %s), pushing to %s", cfg.TelemetryKafkaTopic, cfg.KafkaGroupID, cfg.LokiURL)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: kafka read error: %v", err)
			continue
		}

		pushCtx, pushCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := loki.PushEventJSON(pushCtx, cfg.LokiURL, msg.Value); err != nil {
			log.Printf("worker: loki push failed: %v", err)
		}
		pushCancel()
	}
}

// runSessionPurge deletes session rows whose expiry is older than the
// retention window. Revocation already backdates expiry, so revoked rows age
// out on the same schedule.
func runSessionPurge(ctx context.Context, cfg *config.Config) {
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("worker: open database: %v", err)
		return
	}
	defer pool.Close()
	sessions := sessionrepo.NewPostgresRepository(pool)

	interval := cfg.PurgeInterval()
	retain := cfg.PurgeAfter()
	log.Printf("worker: purging sessions every %s (retention %s)", interval, retain)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cutoff := time.Now().UTC().Add(-retain)
		purgeCtx, purgeCancel := context.WithTimeout(ctx, time.Minute)
		n, err := sessions.DeleteExpiredBefore(purgeCtx, cutoff)
		purgeCancel()
		if err != nil {
			log.Printf("worker: session purge failed: %v", err)
		} else if n > 0 {
			log.Printf("worker: purged %d expired sessions", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
