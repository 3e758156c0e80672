package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lifo4/controlplane/cloud/attestation"
	"github.com/lifo4/controlplane/cloud/coordination"
	"github.com/lifo4/controlplane/cloud/idempotency"
	"github.com/lifo4/controlplane/cloud/middleware"
	"github.com/lifo4/controlplane/cloud/observability"
	"github.com/lifo4/controlplane/cloud/resilience"
	"github.com/lifo4/controlplane/cloud/scheduler"
	"github.com/lifo4/controlplane/cloud/store"
	"github.com/lifo4/controlplane/internal/proto"
	"github.com/lifo4/controlplane/internal/streaming"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// otaSigningKey loads the RSA private key used to sign OTA manifests
// from OTA_SIGNING_KEY (PEM-encoded PKCS#1). With no key configured, it
// generates an ephemeral key for local/dev runs — fine for a single
// process, but edges holding the matching public key won't trust it
// across restarts, so this path is dev-only.
func otaSigningKey() *rsa.PrivateKey {
	if keyPEM := os.Getenv("OTA_SIGNING_KEY"); keyPEM != "" {
		block, _ := pem.Decode([]byte(keyPEM))
		if block == nil {
			log.Fatal("OTA_SIGNING_KEY: failed to decode PEM block")
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			log.Fatalf("OTA_SIGNING_KEY: failed to parse private key: %v", err)
		}
		return key
	}

	log.Println("OTA_SIGNING_KEY unset; generating ephemeral signing key (dev mode)")
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatalf("Failed to generate ephemeral OTA signing key: %v", err)
	}
	return key
}

func generateNodeID() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + uuid.NewString()[:8]
}

// newBus selects the message bus transport (C1): MQTT
// in production, an in-process MemoryBus for local/dev/test runs.
func newBus() streaming.Bus {
	brokerURL := os.Getenv("MQTT_BROKER_URL")
	if brokerURL == "" {
		log.Println("MQTT_BROKER_URL unset; using in-process MemoryBus (dev mode)")
		return streaming.NewMemoryBus(1024)
	}

	bus := streaming.NewMQTTBus(brokerURL, "cloud-coordinator-"+generateNodeID())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bus.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to MQTT broker %s: %v", brokerURL, err)
	}
	log.Printf("Connected to MQTT broker at %s", brokerURL)
	return bus
}

func main() {
	var s store.Store
	var err error

	// CRITICAL: Leader election requires a shared coordination backend
	// (Redis). MemoryStore only works for single-node operation.
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	// RedisStore backs coordination (leader election, locks, idempotency)
	// only — System/Profile/Command records live in Postgres below.
	redisStore, err := store.NewRedisStore(redisAddr, "", 0)
	if err != nil {
		log.Fatalf("Failed to connect to Redis (required for leader election): %v", err)
	}
	log.Printf("Connected to Redis at %s for coordination", redisAddr)

	// System/Profile/Command records are durable Postgres rows; MemoryStore
	// is the dev-mode fallback when DATABASE_URL is unset.
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Println("DATABASE_URL unset; using in-process MemoryStore (dev mode)")
		s = store.NewMemoryStore()
	} else {
		pgCtx, pgCancel := context.WithTimeout(context.Background(), 10*time.Second)
		pgStore, err := store.NewPostgresStore(pgCtx, dbURL)
		pgCancel()
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		log.Println("Connected to Postgres for System/Profile/Command storage")
		s = pgStore
	}

	// Wrap System reads so a Postgres outage serves the last-known System
	// record from a bounded local cache instead of failing the request.
	degradedMode := resilience.NewDegradedMode()
	s = NewDegradedReadStore(s, degradedMode)

	bus := newBus()
	defer bus.Close()

	telemetry := NewTelemetryCache()

	dispatcher := NewDispatcher(s, bus)
	reconciler := NewReconciler(s, bus)

	// Sharding config: this pod's slice of the global profile scan.
	shardIndex := 0
	shardCount := 1
	if idxStr := os.Getenv("POD_INDEX"); idxStr != "" {
		fmt.Sscanf(idxStr, "%d", &shardIndex)
	}
	if countStr := os.Getenv("POD_COUNT"); countStr != "" {
		fmt.Sscanf(countStr, "%d", &shardCount)
	}
	log.Printf("Starting Control Plane (Shard %d/%d)", shardIndex, shardCount)

	schedConfig := scheduler.DefaultSchedulerConfig()
	if limitStr := os.Getenv("SCHEDULER_CONCURRENCY"); limitStr != "" {
		var limit int
		fmt.Sscanf(limitStr, "%d", &limit)
		if limit > 0 {
			schedConfig.MaxConcurrency = limit
		}
	}
	if cbStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbStr != "" {
		var cb int
		fmt.Sscanf(cbStr, "%d", &cb)
		if cb > 0 {
			schedConfig.CircuitBreakerThreshold = cb
		}
	}

	sched := scheduler.NewScheduler(s, reconciler, shardIndex, shardCount, schedConfig)
	ctx := context.Background()

	var elector *coordination.LeaderElector
	if redisStore != nil {
		elector = coordination.NewLeaderElector(redisStore, s, "node-"+generateNodeID(), 30*time.Second)

		// Cleans up stale locks and enforces fencing safety.
		janitor := coordination.NewLockJanitor(redisStore, s, 60*time.Second)
		janitor.Start(ctx)

		// Checks for stale system heartbeats (> 10s) every 5s.
		systemMonitor := coordination.NewSystemMonitor(s, 5*time.Second, 10*time.Second)
		systemMonitor.Start(ctx)
	}

	if elector != nil {
		elector.SetCallbacks(
			func(ctx context.Context) {
				log.Println("Elected as LEADER. Starting Scheduler...")
				if err := sched.RehydrateQueue(ctx); err != nil {
					log.Printf("Failed to rehydrate queue: %v", err)
				}
				sched.Start(ctx)
			},
			func() {
				log.Println("Lost LEADERSHIP. Scheduler stopping...")
				sched.Stop()
			},
		)
		elector.Start(ctx)
	} else {
		log.Println("Redis unavailable. Starting Scheduler in STANDALONE mode (unsafe for HA).")
		if err := sched.RehydrateQueue(ctx); err != nil {
			log.Printf("Failed to rehydrate queue: %v", err)
		}
		sched.Start(ctx)
	}

	var idemStore *idempotency.Store
	if redisStore != nil {
		idemStore = idempotency.NewStore(redisStore)
		log.Println("Using Redis for Idempotency Store")
	} else {
		idemStore = idempotency.NewStore(nil)
		log.Println("Using In-Memory Idempotency Store (Ephemeral)")
	}

	otaDispatcher := NewOTADispatcher(attestation.NewSigner(otaSigningKey()), bus)

	api := NewAPI(s, dispatcher, reconciler, sched, elector, idemStore, telemetry, otaDispatcher)

	// Provisioning intake: edges register over the bus, not REST — this
	// is the cloud half of the handshake the edge binary's registration
	// flow drives.
	subscribeProvisioning(ctx, bus, s, telemetry)
	// Telemetry intake: feeds the cloud-side Safety Manager mirror and
	// system heartbeats.
	subscribeTelemetry(ctx, bus, s, telemetry)

	go api.wsHub.Run(ctx)

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(degradedMode.HealthCheck(r.Context()))
	})

	http.Handle("/auth/login", http.HandlerFunc(api.handleLogin))

	http.Handle("/api/v1/systems", middleware.AuthMiddleware(http.HandlerFunc(api.handleListSystems)))
	http.Handle("/api/v1/systems/", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/connection"):
			api.handleConnection(w, r)
		case strings.HasSuffix(path, "/connection/test"):
			api.handleConnectionTest(w, r)
		case strings.HasSuffix(path, "/commands/charge"):
			api.withIdempotency(api.handleCommand(proto.CommandCharge))(w, r)
		case strings.HasSuffix(path, "/commands/discharge"):
			api.withIdempotency(api.handleCommand(proto.CommandDischarge))(w, r)
		case strings.HasSuffix(path, "/emergency-stop"):
			api.handleEmergencyStop(w, r)
		case strings.HasSuffix(path, "/ota/update"):
			api.handleOTADispatch(w, r)
		case strings.HasSuffix(path, "/events"):
			api.handleEvents(w, r)
		case strings.HasSuffix(path, "/alarms"):
			api.handleAlarms(w, r)
		case strings.HasSuffix(path, "/black-start/status"):
			api.handleBlackStartStatus(w, r)
		default:
			api.handleGetSystem(w, r)
		}
	})))

	http.Handle("/profiles/", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/reconcile") {
			api.withIdempotency(api.handleReconcileProfile)(w, r)
			return
		}
		http.Error(w, "Not found", http.StatusNotFound)
	})))

	http.Handle("/incident/capture", middleware.AuthMiddleware(http.HandlerFunc(api.handleCaptureIncident)))

	http.Handle("/metrics", promhttp.Handler())

	http.HandleFunc("/scheduler/debug/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snapshot := sched.GetSnapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
	})

	http.HandleFunc("/admin/admission-mode", api.handleSetAdmissionMode)

	http.Handle("/api/dashboard", middleware.AuthMiddleware(http.HandlerFunc(api.handleGetDashboard)))
	http.Handle("/api/dashboard/stream", middleware.AuthMiddleware(http.HandlerFunc(api.handleDashboardStream)))

	http.Handle("/api/incidents", middleware.AuthMiddleware(http.HandlerFunc(api.handleListIncidents)))
	http.Handle("/api/incidents/replay/", middleware.AuthMiddleware(http.HandlerFunc(api.handleReplayIncident)))
	http.Handle("/api/incidents/capture", middleware.AuthMiddleware(http.HandlerFunc(api.handleCaptureIncidentSnapshot)))

	http.Handle("/api/clusters", middleware.AuthMiddleware(http.HandlerFunc(api.handleGetClusters)))

	fmt.Println("==================================================")
	fmt.Println("LIFO4 CONTROL PLANE")
	fmt.Println("==================================================")
	fmt.Printf("Concurrency:        %d\n", schedConfig.MaxConcurrency)
	fmt.Printf("Circuit Threshold:  %d\n", schedConfig.CircuitBreakerThreshold)
	fmt.Printf("Shadow Mode:        %v\n", reconciler.ShadowMode)
	fmt.Println("==================================================")

	observability.RuntimeMode.WithLabelValues("normal").Set(1)

	log.Println("Cloud Coordinator listening on :8080")

	go runMetricsCollector(ctx, s)

	handler := middleware.CORSMiddleware(http.DefaultServeMux)

	log.Fatal(http.ListenAndServe(":8080", handler))
}

// subscribeProvisioning handles edge registration over
// lifo4/provisioning/register: it upserts the System record so the
// system immediately shows up in /systems and can receive a safety
// profile push.
func subscribeProvisioning(ctx context.Context, bus streaming.Bus, s store.Store, telemetry *TelemetryCache) {
	_, err := bus.Subscribe("lifo4/provisioning/register", func(evt streaming.Event) {
		var reg struct {
			SystemID string `json:"system_id"`
			EdgeID   string `json:"edge_id"`
			SiteID   string `json:"site_id"`
			OrgID    string `json:"organization_id"`
			Version  string `json:"version"`
		}
		if err := json.Unmarshal(evt.Payload, &reg); err != nil {
			log.Printf("provisioning: malformed registration payload: %v", err)
			return
		}
		if reg.SystemID == "" || reg.OrgID == "" {
			log.Printf("provisioning: registration missing system_id/organization_id, dropped")
			return
		}
		sys := &store.System{
			SystemID:      reg.SystemID,
			OrgID:         reg.OrgID,
			EdgeID:        reg.EdgeID,
			SiteID:        reg.SiteID,
			Version:       reg.Version,
			Status:        "operational",
			LastHeartbeat: time.Now(),
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
			Metadata:      map[string]string{},
		}
		if err := s.UpsertSystem(ctx, reg.OrgID, sys); err != nil {
			log.Printf("provisioning: failed to upsert system %s: %v", reg.SystemID, err)
			return
		}
		telemetry.SetOrg(reg.SystemID, reg.OrgID)
		log.Printf("provisioning: registered system %s (edge %s, org %s)", reg.SystemID, reg.EdgeID, reg.OrgID)
	})
	if err != nil {
		log.Printf("provisioning: failed to subscribe: %v", err)
	}
}

// subscribeTelemetry ingests every system's telemetry stream: it feeds
// TelemetryCache (for the cloud-side safety mirror) and refreshes the
// System heartbeat used for liveness monitoring.
func subscribeTelemetry(ctx context.Context, bus streaming.Bus, s store.Store, cache *TelemetryCache) {
	_, err := bus.Subscribe("lifo4/+/telemetry", func(evt streaming.Event) {
		var t proto.Telemetry
		if err := json.Unmarshal(evt.Payload, &t); err != nil {
			log.Printf("telemetry: malformed payload on %s: %v", evt.Topic, err)
			return
		}
		if !cache.Ingest(t) {
			return
		}
		orgID, known := cache.OrgOf(t.SystemID)
		if !known {
			log.Printf("telemetry: unknown org for system %s, dropping heartbeat update", t.SystemID)
			return
		}
		if err := s.UpdateSystemHeartbeat(ctx, orgID, t.SystemID, t.WallTS); err != nil {
			log.Printf("telemetry: failed to update heartbeat for %s: %v", t.SystemID, err)
		}
	})
	if err != nil {
		log.Printf("telemetry: failed to subscribe: %v", err)
	}
}

// runMetricsCollector runs periodic background metrics collection for
// backlog and convergence-skew telemetry.
func runMetricsCollector(ctx context.Context, s store.Store) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	log.Println("Starting Telemetry Collector...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := s.CountProfilesByStatus(ctx, "default", "pending_push")
			if err != nil {
				log.Printf("Failed to count pending profiles: %v", err)
			}
			rejected, err := s.CountProfilesByStatus(ctx, "default", "rejected")
			if err != nil {
				log.Printf("Failed to count rejected profiles: %v", err)
			}

			totalPending := float64(pending + rejected)
			observability.DBPendingStates.WithLabelValues("default").Set(totalPending)
			observability.IntegritySkew.WithLabelValues("default").Set(float64(rejected))
		}
	}
}
