package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lifo4/controlplane/cloud/auth"
	"github.com/lifo4/controlplane/cloud/coordination"
	"github.com/lifo4/controlplane/cloud/idempotency"
	"github.com/lifo4/controlplane/cloud/incident"
	"github.com/lifo4/controlplane/cloud/middleware"
	"github.com/lifo4/controlplane/cloud/observability"
	"github.com/lifo4/controlplane/cloud/scheduler"
	"github.com/lifo4/controlplane/cloud/store"
	"github.com/lifo4/controlplane/internal/proto"
	"github.com/lifo4/controlplane/internal/safety"
)

// API hosts the REST control surface of the Cloud Coordinator (C6):
// provisioning lookups, command dispatch, audit/alarm queries, and the
// black-start status mirror.
type API struct {
	store         store.Store
	dispatcher    *Dispatcher
	reconciler    *Reconciler
	scheduler     *scheduler.Scheduler
	elector       *coordination.LeaderElector
	telemetry     *TelemetryCache
	otaDispatcher *OTADispatcher

	dashboardService *DashboardService
	wsHub            *MetricsHub

	idempotency *idempotency.Store

	// Storm Protection
	heartbeatLimiter *scheduler.TokenBucketLimiter
	commandLimiter   *scheduler.TokenBucketLimiter
}

func NewAPI(s store.Store, dispatcher *Dispatcher, reconciler *Reconciler, sched *scheduler.Scheduler, elector *coordination.LeaderElector, idempotencyStore *idempotency.Store, telemetry *TelemetryCache, otaDispatcher *OTADispatcher) *API {
	api := &API{
		store:         s,
		dispatcher:    dispatcher,
		reconciler:    reconciler,
		scheduler:     sched,
		elector:       elector,
		idempotency:   idempotencyStore,
		telemetry:     telemetry,
		otaDispatcher: otaDispatcher,
		// Allow 100 heartbeats/sec per system, burst 200
		heartbeatLimiter: scheduler.NewTokenBucketLimiter(100, 200),
		// Per-org command token bucket: shapes bursts of thousands of
		// commands/minute without ever 5xx-ing.
		commandLimiter: scheduler.NewTokenBucketLimiter(20, 50),
	}

	api.dashboardService = NewDashboardService(s, sched, elector)
	api.wsHub = NewMetricsHub(api)

	return api
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRateLimitError(w http.ResponseWriter, scope string) {
	observability.APIRateLimited.WithLabelValues(scope).Inc()
	w.Header().Set("Retry-After", "1")
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

// -- Auth --

// handleLogin exchanges org credentials for a bearer token. There is no
// user directory in this control plane; any
// caller presenting a known org_id and role is issued a token scoped to
// that org, mirroring the minimal auth surface the integration suite
// expects.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		OrgID string `json:"org_id"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.OrgID == "" || req.Role == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateToken(req.OrgID, req.Role)
	if err != nil {
		log.Printf("Failed to generate token: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token, "org_id": req.OrgID, "role": req.Role})
}

// -- Systems --

func (a *API) handleListSystems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	systems, err := a.store.ListSystems(r.Context(), orgID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, systems)
}

// systemIDFromPath extracts the {id} segment from /systems/{id}[...suffix].
func systemIDFromPath(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i]
	}
	return rest
}

func (a *API) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	systemID := systemIDFromPath(r.URL.Path, "/api/v1/systems")
	if systemID == "" {
		http.Error(w, "system id required", http.StatusBadRequest)
		return
	}
	orgID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	sys, err := a.store.GetSystem(r.Context(), orgID, systemID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if sys == nil {
		http.Error(w, "System not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sys)
}

// handleConnection implements GET/POST /systems/{id}/connection. Protocol
// and endpoint are the only connection fields names; they are
// carried in System.Metadata since that is the one free-form field the
// data model grants the coordinator for edge-specific wiring detail.
func (a *API) handleConnection(w http.ResponseWriter, r *http.Request) {
	systemID := systemIDFromPath(r.URL.Path, "/api/v1/systems")
	orgID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	sys, err := a.store.GetSystem(r.Context(), orgID, systemID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if sys == nil {
		http.Error(w, "System not found", http.StatusNotFound)
		return
	}

	if r.Method == http.MethodPost {
		var req struct {
			Protocol string `json:"protocol"`
			Endpoint string `json:"endpoint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if sys.Metadata == nil {
			sys.Metadata = make(map[string]string)
		}
		sys.Metadata["protocol"] = req.Protocol
		sys.Metadata["endpoint"] = req.Endpoint
		if err := a.store.UpsertSystem(r.Context(), orgID, sys); err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"protocol": sys.Metadata["protocol"],
		"endpoint": sys.Metadata["endpoint"],
	})
}

// handleConnectionTest probes connectivity. With no live transport to an
// edge from the coordinator's REST layer, "probe" means: a connection
// config has been set and the system has reported a heartbeat recently.
func (a *API) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	systemID := systemIDFromPath(r.URL.Path, "/api/v1/systems")
	orgID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	sys, err := a.store.GetSystem(r.Context(), orgID, systemID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if sys == nil {
		http.Error(w, "System not found", http.StatusNotFound)
		return
	}
	if sys.Metadata["protocol"] == "" || sys.Metadata["endpoint"] == "" {
		http.Error(w, "No connection configured for system", http.StatusBadRequest)
		return
	}
	stale := time.Since(sys.LastHeartbeat) > 15*time.Second
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reachable":      !stale,
		"last_heartbeat": sys.LastHeartbeat,
	})
}

// -- Commands --

// safetyMirrorVeto mirrors the edge Safety Manager against the last
// known telemetry before the coordinator queues an actuation. Returns a
// non-empty reason when the command would be vetoed.
func (a *API) safetyMirrorVeto(ctx context.Context, orgID string, sys *store.System, desired proto.Decision) string {
	profile, err := a.store.GetProfileBySystem(ctx, orgID, sys.SystemID)
	if err != nil || profile == nil {
		return ""
	}
	last, ok := a.telemetry.Last(sys.SystemID)
	if !ok {
		return ""
	}
	limits := proto.SafetyProfile{
		SOCMin: profile.SOCMin, SOCMax: profile.SOCMax,
		TempMin: profile.TempMin, TempMax: profile.TempMax, TempCritical: profile.TempCritical,
		VoltageMin: profile.VoltageMin, VoltageMax: profile.VoltageMax,
		CurrentMaxCharge: profile.CurrentMaxCharge, CurrentMaxDischarge: profile.CurrentMaxDischarge,
		PowerMaxKW: profile.PowerMaxKW,
	}
	result := safety.Enforce(desired, last, limits, &safety.Latch{}, time.Now(), 200*time.Millisecond)
	if result.Verdict == safety.VerdictVetoed || result.Verdict == safety.VerdictEStop {
		return result.Reason
	}
	return ""
}

func (a *API) handleCommand(kind proto.CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		suffix := "/commands/" + string(kind)
		systemID := strings.TrimSuffix(systemIDFromPathWithSuffix(r.URL.Path, "/api/v1/systems", suffix), "")
		orgID, err := middleware.GetTenantFromContext(r.Context())
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !a.commandLimiter.Allow(orgID) {
			writeRateLimitError(w, "commands")
			return
		}

		var req struct {
			TargetSOC  float64 `json:"targetSoc"`
			MaxPowerKW float64 `json:"maxPowerKw"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		sys, err := a.store.GetSystem(r.Context(), orgID, systemID)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if sys == nil {
			http.Error(w, "System not found", http.StatusNotFound)
			return
		}

		targetPower := req.MaxPowerKW
		if kind == proto.CommandDischarge {
			targetPower = -req.MaxPowerKW
		}
		desired := proto.Decision{TargetPowerKW: targetPower, GeneratedAt: time.Now()}
		if reason := a.safetyMirrorVeto(r.Context(), orgID, sys, desired); reason != "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "safety veto", "reason": reason})
			return
		}

		cmd := proto.Command{
			CommandID: newCommandID(),
			SystemID:  systemID,
			Kind:      kind,
			Params:    proto.CommandParams{TargetSOC: req.TargetSOC, MaxPowerKW: req.MaxPowerKW},
			IssuedBy:  orgID,
			IssuedAt:  time.Now(),
			TTL:       2 * time.Minute,
		}

		record := &store.CommandRecord{
			CommandID: cmd.CommandID,
			SystemID:  systemID,
			OrgID:     orgID,
			Kind:      string(kind),
			Status:    "queued",
			IssuedBy:  orgID,
			CreatedAt: cmd.IssuedAt,
		}
		if err := a.store.CreateCommand(r.Context(), orgID, record); err != nil {
			http.Error(w, "Failed to create command", http.StatusInternalServerError)
			return
		}

		go a.dispatcher.DispatchCommand(context.Background(), orgID, cmd)

		writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmd.CommandID, "status": "queued"})
	}
}

// handleOTADispatch signs and publishes an OTA update manifest to a
// single system's lifo4/{system_id}/ota/update topic.
func (a *API) handleOTADispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.otaDispatcher == nil {
		http.Error(w, "OTA dispatch not configured", http.StatusServiceUnavailable)
		return
	}

	systemID := systemIDFromPathWithSuffix(r.URL.Path, "/api/v1/systems", "/ota/update")
	orgID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Version  string `json:"version"`
		Checksum string `json:"checksum"`
		URL      string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Version == "" || req.Checksum == "" || req.URL == "" {
		http.Error(w, "version, checksum, and url are required", http.StatusBadRequest)
		return
	}

	sys, err := a.store.GetSystem(r.Context(), orgID, systemID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if sys == nil {
		http.Error(w, "System not found", http.StatusNotFound)
		return
	}

	if err := a.otaDispatcher.Dispatch(r.Context(), systemID, req.Version, req.Checksum, req.URL); err != nil {
		http.Error(w, "Failed to dispatch OTA update", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"system_id": systemID, "version": req.Version, "status": "dispatched"})
}

// systemIDFromPathWithSuffix extracts {id} from /prefix/{id}/suffix paths.
func systemIDFromPathWithSuffix(path, prefix, suffix string) string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimPrefix(rest, "/")
	rest = strings.TrimSuffix(rest, suffix)
	return strings.TrimSuffix(rest, "/")
}

// handleEmergencyStop is the fast-path of: 500ms end-to-end
// SLA from API call to BMS action. It skips queueing and the token
// bucket entirely.
func (a *API) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	systemID := systemIDFromPathWithSuffix(r.URL.Path, "/api/v1/systems", "/emergency-stop")
	orgID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	sys, err := a.store.GetSystem(r.Context(), orgID, systemID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if sys == nil {
		http.Error(w, "System not found", http.StatusNotFound)
		return
	}

	cmd, err := a.dispatcher.DispatchEmergencyStop(r.Context(), orgID, systemID, req.Reason)
	if err != nil {
		log.Printf("Emergency stop dispatch failed for %s: %v", systemID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmd.CommandID, "status": "dispatched"})
}

// -- Events / Alarms / Black-start --

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	systemID := systemIDFromPathWithSuffix(r.URL.Path, "/api/v1/systems", "/events")
	typeFilter := r.URL.Query().Get("type")

	tl := a.scheduler.GetTimeline()
	events := tl.GetEventsBySystem(systemID)
	if typeFilter != "" {
		filtered := events[:0:0]
		for _, e := range events {
			if e.Stage == typeFilter || e.Metadata["type"] == typeFilter {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) handleAlarms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	systemID := systemIDFromPathWithSuffix(r.URL.Path, "/api/v1/systems", "/alarms")
	activeFilter := r.URL.Query().Get("active")
	severityFilter := r.URL.Query().Get("severity")

	tl := a.scheduler.GetTimeline()
	events := tl.GetEventsBySystem(systemID)

	alarms := make([]proto.Alarm, 0)
	for _, e := range events {
		if e.Stage != "ALARM" {
			continue
		}
		sev := e.Metadata["severity"]
		if severityFilter != "" && sev != severityFilter {
			continue
		}
		active := e.Metadata["active"] != "false"
		if activeFilter != "" {
			want, _ := strconv.ParseBool(activeFilter)
			if active != want {
				continue
			}
		}
		alarms = append(alarms, proto.Alarm{
			AlarmID:  e.ReqID,
			SystemID: systemID,
			Severity: proto.AlarmSeverity(sev),
			Kind:     e.Metadata["kind"],
			Message:  e.Metadata["message"],
			RaisedAt: e.Timestamp,
			Active:   active,
		})
	}
	writeJSON(w, http.StatusOK, alarms)
}

func (a *API) handleBlackStartStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	systemID := systemIDFromPathWithSuffix(r.URL.Path, "/api/v1/systems", "/black-start/status")
	orgID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	sys, err := a.store.GetSystem(r.Context(), orgID, systemID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if sys == nil {
		http.Error(w, "System not found", http.StatusNotFound)
		return
	}

	tl := a.scheduler.GetTimeline()
	events := tl.GetEventsBySystem(systemID)

	state := "STANDBY"
	var since time.Time
	for _, e := range events {
		if e.Stage == "BLACKSTART_TRANSITION" {
			state = e.Metadata["to_state"]
			since = e.Timestamp
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"system_id":  systemID,
		"state":      state,
		"since":      since,
	})
}

// -- Admin / scheduler --

func (a *API) handleSetAdmissionMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var mode scheduler.AdmissionMode
	switch req.Mode {
	case "normal":
		mode = scheduler.AdmissionNormal
	case "drain":
		mode = scheduler.AdmissionDrain
	case "freeze":
		mode = scheduler.AdmissionFreeze
	default:
		http.Error(w, "Invalid mode. Use: normal, drain, freeze", http.StatusBadRequest)
		return
	}

	a.scheduler.SetAdmissionMode(mode)
	log.Printf("ADMIN ACTION: Admission Mode set to %s", req.Mode)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "mode": req.Mode})
}

// -- Profile reconciliation (scheduler-backed) --

func (a *API) handleReconcileProfile(w http.ResponseWriter, r *http.Request) {
	profileID := systemIDFromPath(r.URL.Path, "/profiles")
	profileID = strings.TrimSuffix(profileID, "/reconcile")

	orgID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	profile, err := a.store.GetProfile(r.Context(), orgID, profileID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if profile == nil {
		http.Error(w, "Profile not found", http.StatusNotFound)
		return
	}

	task := &scheduler.ReconciliationTask{
		ReqID:     newTaskID(),
		SystemID:  profile.SystemID,
		OrgID:     orgID,
		Priority:  5,
		Deadline:  time.Now().Add(1 * time.Minute),
		ProfileID: profileID,
	}

	if err := a.scheduler.Submit(task); err != nil {
		log.Printf("Scheduler rejected task: %v", err)
		http.Error(w, "Service Overloaded", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "reconciliation_queued",
		"task_id": task.ReqID,
	})
}

// -- Incident Management --

func (a *API) handleCaptureIncident(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	profileID := r.URL.Query().Get("profile_id")
	if profileID == "" {
		http.Error(w, "profile_id is required", http.StatusBadRequest)
		return
	}

	tl := a.scheduler.GetTimeline()

	orgID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	report, err := incident.CaptureIncident(r.Context(), a.store, tl, orgID, profileID)
	if err != nil {
		log.Printf("Failed to capture incident: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "Profile not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=incident-%s.json", profileID))
	writeJSON(w, http.StatusOK, report)
}
