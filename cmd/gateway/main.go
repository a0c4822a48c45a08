package main

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rawblock/botwall/internal/action"
	"github.com/rawblock/botwall/internal/config"
	"github.com/rawblock/botwall/internal/db"
	"github.com/rawblock/botwall/internal/detectors"
	"github.com/rawblock/botwall/internal/gateway"
	"github.com/rawblock/botwall/internal/history"
	"github.com/rawblock/botwall/internal/learning"
	"github.com/rawblock/botwall/internal/metrics"
	"github.com/rawblock/botwall/internal/orchestrator"
	"github.com/rawblock/botwall/internal/signature"
	"github.com/rawblock/botwall/internal/store"
	"github.com/rawblock/botwall/pkg/models"
)

func main() {
	log.Println("Starting botwall gateway...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	sigService, err := signature.NewService(keyBytes(cfg.SignatureHashKey))
	if err != nil {
		log.Fatalf("FATAL: signature service: %v", err)
	}

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil || upstream.Host == "" {
		log.Fatalf("FATAL: BOTWALL_UPSTREAM_URL %q is not a valid URL", cfg.UpstreamURL)
	}

	// Optional persistence. The gateway runs fully in memory without it.
	var pgStore *db.PostgresStore
	if cfg.DatabaseURL != "" {
		pgStore, err = db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: PostgreSQL unavailable, running without persistence: %v", err)
			pgStore = nil
		} else {
			defer pgStore.Close()
			if err := pgStore.InitSchema(); err != nil {
				log.Printf("Warning: schema init failed: %v", err)
			}
		}
	}

	// Stores, warm-started from the database when available.
	weights := store.NewWeights()
	reputation := store.NewReputation(0)
	warmStart(pgStore, weights, reputation)

	// Verdict cache: local always, Redis tier on top when configured.
	// The Redis tier lazily expires its local entries on read, so only
	// the plain local cache needs the periodic sweep.
	var verdicts store.VerdictCache
	var sweepable *store.Verdicts
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Printf("Warning: Redis unavailable, verdict cache stays local: %v", err)
		} else {
			log.Printf("[Main] Redis verdict tier enabled at %s", cfg.RedisAddr)
			verdicts = store.NewRedisVerdicts(client, cfg.VerdictTTL)
		}
	}
	if verdicts == nil {
		sweepable = store.NewVerdicts(cfg.VerdictTTL)
		verdicts = sweepable
	}

	// Detector registry: the full production set.
	registry := detectors.NewRegistry()
	for _, d := range []detectors.Detector{
		detectors.NewUserAgentDetector(),
		detectors.NewHeaderDetector(),
		detectors.NewNetworkDetector(cfg.DatacenterCIDRs),
		detectors.NewTLSDetector(),
		detectors.NewFingerprintDetector(),
		detectors.NewVerifierDetector(),
		detectors.NewPathScanDetector(),
		detectors.NewBehavioralDetector(),
		detectors.NewDriftDetector(),
	} {
		if err := registry.Register(d); err != nil {
			log.Fatalf("FATAL: registering detector: %v", err)
		}
	}

	// Policies: file-driven when POLICY_FILE is set, built-ins otherwise.
	var policyFile *config.PolicyFile
	if cfg.PolicyFile != "" {
		policyFile, err = config.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}
	policies, err := config.BuildPolicyRegistry(policyFile, cfg.DefaultActionPolicy)
	if err != nil {
		log.Fatalf("FATAL: building policy registry: %v", err)
	}
	known := make(map[string]bool)
	for _, name := range registry.Names() {
		known[name] = true
	}
	if err := policies.Validate(known); err != nil {
		log.Fatalf("FATAL: policy validation: %v", err)
	}

	// Learning pipeline.
	var coordinator *learning.Coordinator
	if cfg.LearningEnabled {
		learner := learning.NewLearner(weights, reputation)
		coordinator = learning.NewCoordinator(cfg.LearningQueueSize, learner.Handle)
	} else {
		log.Println("[Main] Learning disabled")
	}

	tracker := history.NewTracker(history.Config{})
	hub := gateway.NewHub()
	alerts := gateway.NewAlertSink(models.BandHigh)

	detector := orchestrator.New(
		orchestrator.Config{BotThreshold: cfg.BotThreshold},
		sigService,
		registry,
		policies,
		weights,
		verdicts,
		detectors.NewReputationDetector(reputation),
		detectors.NewNetworkDetector(cfg.DatacenterCIDRs),
		tracker,
		coordinator,
		&fanoutSink{hub: hub, alerts: alerts, store: pgStore},
	)

	masker := action.NewMasker(cfg.MaskingMaxBodyBytes)
	gw := gateway.New(gateway.Options{
		BotThreshold:   cfg.BotThreshold,
		ExposeReasons:  cfg.ExposeReasons,
		MaskingEnabled: cfg.MaskingEnabled,
	}, detector, policies, sigService, masker, upstream)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go maintenanceLoop(ctx, tracker, sweepable, reputation, weights, pgStore)

	proxySrv := &http.Server{Addr: cfg.ListenAddr, Handler: gw.Router()}
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: gateway.SetupAdminRouter(gateway.AdminDeps{
		Gateway:    gw,
		Hub:        hub,
		Alerts:     alerts,
		Policies:   policies,
		Learning:   coordinator,
		History:    tracker,
		Reputation: reputation,
		Weights:    weights,
		Store:      pgStore,
	})}

	go func() {
		log.Printf("[Main] Admin API on %s", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin server failed: %v", err)
		}
	}()
	go func() {
		log.Printf("[Main] Gateway proxying %s -> %s", cfg.ListenAddr, cfg.UpstreamURL)
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Gateway server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Main] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = proxySrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	if coordinator != nil {
		coordinator.Shutdown(5 * time.Second)
	}
	persistState(pgStore, reputation, weights)
	log.Println("[Main] Bye")
}

// keyBytes accepts the signature key either hex-encoded or raw.
func keyBytes(key string) []byte {
	if decoded, err := hex.DecodeString(key); err == nil && len(decoded) >= signature.MinKeyBytes {
		return decoded
	}
	return []byte(key)
}

// fanoutSink feeds detection events to the websocket hub, the webhook
// alert sink, and, when a database is connected, the event log. Hub and
// alert publishing are already non-blocking; the DB write gets its own
// goroutine so a slow insert cannot back up the orchestrator.
type fanoutSink struct {
	hub    *gateway.Hub
	alerts *gateway.AlertSink
	store  *db.PostgresStore
}

func (s *fanoutSink) PublishDetection(ev models.DetectionEvent) {
	s.hub.PublishDetection(ev)
	s.alerts.PublishDetection(ev)
	if s.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.SaveDetectionEvent(ctx, ev); err != nil {
				log.Printf("[Main] Failed to persist detection event: %v", err)
			}
		}()
	}
}

// warmStart seeds the in-memory stores from the previous run.
func warmStart(pg *db.PostgresStore, weights *store.Weights, reputation *store.Reputation) {
	if pg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if rows, err := pg.LoadDirtyPatterns(ctx); err != nil {
		log.Printf("Warning: reputation warm-start failed: %v", err)
	} else {
		for _, row := range rows {
			reputation.Seed(row)
		}
		log.Printf("[Main] Warm-started %d dirty reputation patterns", len(rows))
	}

	if rows, err := pg.LoadDetectorWeights(ctx); err != nil {
		log.Printf("Warning: weight warm-start failed: %v", err)
	} else {
		for _, w := range rows {
			weights.Seed(w)
		}
		log.Printf("[Main] Warm-started %d detector weights", len(rows))
	}
}

// maintenanceLoop runs the slow-cadence housekeeping: baseline decay,
// verdict sweeping, gauge refresh, and periodic persistence.
func maintenanceLoop(ctx context.Context, tracker *history.Tracker, verdicts *store.Verdicts,
	reputation *store.Reputation, weights *store.Weights, pg *db.PostgresStore) {

	sweep := time.NewTicker(time.Minute)
	persist := time.NewTicker(5 * time.Minute)
	defer sweep.Stop()
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			tracker.DecayBaselines()
			if verdicts != nil {
				verdicts.Sweep()
			}
			metrics.TrackedSignatures.Set(float64(tracker.Len()))
		case <-persist.C:
			persistState(pg, reputation, weights)
		}
	}
}

// persistState writes the decayed reputation table and learned weights
// through to the database.
func persistState(pg *db.PostgresStore, reputation *store.Reputation, weights *store.Weights) {
	if pg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, row := range reputation.Snapshot() {
		if err := pg.SavePatternReputation(ctx, row); err != nil {
			log.Printf("[Main] Failed to persist reputation row: %v", err)
			return
		}
	}
	for _, w := range weights.Snapshot() {
		if err := pg.SaveDetectorWeight(ctx, w); err != nil {
			log.Printf("[Main] Failed to persist weight %s: %v", w.Name, err)
			return
		}
	}
}
