package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
	"github.com/thenexusengine/tne_addecision/internal/fanout"
	"github.com/thenexusengine/tne_addecision/internal/health"
	"github.com/thenexusengine/tne_addecision/internal/metrics"
	"github.com/thenexusengine/tne_addecision/internal/pipeline"
	"github.com/thenexusengine/tne_addecision/internal/quality"
	"github.com/thenexusengine/tne_addecision/internal/registry"
	"github.com/thenexusengine/tne_addecision/internal/storage"
	"github.com/thenexusengine/tne_addecision/internal/unwrap"
	"github.com/thenexusengine/tne_addecision/pkg/logger"
	"github.com/thenexusengine/tne_addecision/pkg/redis"
)

// Server represents the ad decision server
type Server struct {
	config     *ServerConfig
	httpServer *http.Server
	metrics    *metrics.Metrics

	registry  *registry.Registry
	requester *fanout.HTTPRequester
	cache     unwrap.Cache
	unwrapper *unwrap.Unwrapper
	tracker   *health.Tracker
	notifier  *health.HTTPNotifier
	pipeline  *pipeline.Pipeline

	db          *sql.DB
	sources     *storage.SourceStore
	redisClient *redis.Client

	startedAt time.Time
}

// NewServer creates a new ad decision server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	s := &Server{
		config:    cfg,
		startedAt: time.Now(),
	}

	if err := s.initialize(); err != nil {
		return nil, err
	}

	return s, nil
}

// initialize sets up all server components
func (s *Server) initialize() error {
	log := logger.Log

	log.Info().
		Str("port", s.config.Port).
		Dur("latency_budget", s.config.LatencyBudget).
		Float64("early_win_cpm", s.config.EarlyWinThreshold).
		Msg("Initializing Ad Decision Server")

	// Initialize Prometheus metrics
	s.metrics = metrics.NewMetrics("addecision")
	log.Info().Msg("Prometheus metrics enabled")

	// Initialize Redis if configured; cache backend selection depends on it
	if err := s.initRedis(); err != nil {
		// Redis failures are non-fatal, log and continue
		log.Warn().Err(err).Msg("Redis initialization failed, continuing with in-memory cache")
	}

	// Unwrap cache: Redis when available, in-process otherwise
	if s.redisClient != nil {
		s.cache = unwrap.NewRedisCache(s.redisClient, adpconfig.UnwrapCacheTTL)
		log.Info().Msg("Unwrap cache backed by Redis")
	} else {
		s.cache = unwrap.NewMemoryCache(adpconfig.UnwrapCacheTTL)
		log.Info().Msg("Unwrap cache backed by process memory")
	}
	s.unwrapper = unwrap.New(unwrap.NewHTTPFetcher(), s.cache, unwrap.DefaultConfig())

	// Demand sources
	s.registry = registry.New()
	s.requester = fanout.NewHTTPRequester()

	// Initialize database if configured
	if err := s.initDatabase(); err != nil {
		// Database failures are non-fatal, log and continue
		log.Warn().Err(err).Msg("Database initialization failed, continuing with reduced functionality")
	}

	// Creative health tracking
	s.initHealth()

	// Decision pipeline ties the stages together
	s.pipeline = pipeline.New(s.registry, s.requester, s.unwrapper,
		quality.NewValidator(), s.tracker, s.metrics, s.config.ToPipelineConfig())

	// Initialize handlers and build HTTP server
	s.initHandlers()

	return nil
}

// initDatabase initializes the source store and seeds the registry
func (s *Server) initDatabase() error {
	log := logger.Log

	if s.config.DatabaseConfig == nil {
		log.Info().Msg("DB_HOST not set, database-backed features disabled")
		return nil
	}

	dbCfg := s.config.DatabaseConfig
	dbConn, err := storage.NewDBConnection(
		dbCfg.Host,
		dbCfg.Port,
		dbCfg.User,
		dbCfg.Password,
		dbCfg.Name,
		dbCfg.SSLMode,
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to PostgreSQL, database-backed features disabled")
		return err
	}

	s.db = dbConn
	s.sources = storage.NewSourceStore(dbConn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Register bid endpoints for every active source
	sources, err := s.sources.ListActive(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load demand sources from database")
		return nil
	}
	for _, src := range sources {
		s.requester.SetEndpoint(src.SourceID, src.EndpointURL, headerStrings(src.HTTPHeaders))
	}

	// Seed the performance registry with stored baselines
	count, err := s.sources.SeedRegistry(ctx, s.registry)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to seed performance registry")
		return nil
	}

	log.Info().
		Int("count", count).
		Msg("Demand sources loaded from PostgreSQL")
	return nil
}

// initHealth initializes the creative health tracker and notifier
func (s *Server) initHealth() {
	log := logger.Log

	var notifier health.Notifier
	if s.config.NotifyEnabled && s.config.NotifyURL != "" {
		s.notifier = health.NewHTTPNotifier(s.config.NotifyURL)
		notifier = s.notifier
		log.Info().Str("endpoint", s.config.NotifyURL).Msg("Health notifications enabled")
	} else {
		log.Info().Msg("Health notifications disabled")
	}

	s.tracker = health.NewTracker(health.DefaultTrackerConfig(), notifier, storage.NewMemoryKV())
	s.tracker.Start()
}

// initRedis initializes Redis client
func (s *Server) initRedis() error {
	log := logger.Log

	if s.config.RedisURL == "" {
		log.Info().Msg("REDIS_URL not set, Redis-backed features disabled")
		return nil
	}

	var err error
	s.redisClient, err = redis.New(s.config.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to Redis")
		return err
	}

	log.Info().Msg("Redis client initialized")
	return nil
}

// initHandlers initializes HTTP handlers and builds the handler chain
func (s *Server) initHandlers() {
	mux := http.NewServeMux()

	// Decision surface
	mux.HandleFunc("/decision", s.decisionHandler)
	mux.HandleFunc("/unwrap", s.unwrapHandler)

	// Creative health surface
	mux.HandleFunc("/events", s.eventsHandler)
	mux.HandleFunc("/sources/report", s.sourceReportHandler)
	mux.HandleFunc("/creatives/blocked", s.blockedHandler)
	mux.HandleFunc("/creatives/unblock", s.unblockHandler)

	// Operational surface
	mux.HandleFunc("/cache/stats", s.cacheStatsHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.Handle("/health", healthHandler())
	mux.Handle("/health/ready", readyHandler(s.redisClient, s.db))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", metrics.Handler())

	// Build middleware chain
	handler := s.buildHandler(mux)

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      handler,
		ReadTimeout:  adpconfig.ServerReadTimeout,
		WriteTimeout: adpconfig.ServerWriteTimeout,
		IdleTimeout:  adpconfig.ServerIdleTimeout,
	}
}

// buildHandler builds the middleware chain
func (s *Server) buildHandler(mux *http.ServeMux) http.Handler {
	handler := http.Handler(mux)
	handler = s.metrics.Middleware(handler)
	handler = loggingMiddleware(handler)
	return handler
}

// decisionHandler runs one full ad decision
func (s *Server) decisionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req pipeline.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Server defaults apply when the request leaves them unset
	if req.EarlyWinThreshold == 0 {
		req.EarlyWinThreshold = s.config.EarlyWinThreshold
	}

	decision, err := s.pipeline.Decide(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// unwrapHandler runs a quality-gated unwrap for one VAST URL
func (s *Server) unwrapHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req pipeline.GatedUnwrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.pipeline.GatedUnwrap(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// playbackEvent is the wire shape for POST /events
type playbackEvent struct {
	CreativeID string            `json:"creative_id"`
	Source     string            `json:"source"`
	Type       string            `json:"type"`
	ErrorType  string            `json:"error_type,omitempty"`
	Dimensions health.Dimensions `json:"dimensions"`
}

// eventsHandler ingests playback telemetry into the health tracker
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var ev playbackEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.CreativeID == "" || ev.Source == "" {
		writeError(w, http.StatusBadRequest, "creative_id and source are required")
		return
	}

	var event health.Event
	switch ev.Type {
	case "impression":
		event = health.ImpressionEvent{Dimensions: ev.Dimensions}
	case "error":
		event = health.ErrorEvent{ErrorType: ev.ErrorType, Dimensions: ev.Dimensions}
	case "complete":
		event = health.CompleteEvent{Dimensions: ev.Dimensions}
	case "click":
		event = health.ClickEvent{Dimensions: ev.Dimensions}
	default:
		writeError(w, http.StatusBadRequest, "unknown event type: "+ev.Type)
		return
	}

	s.tracker.Record(ev.CreativeID, ev.Source, event)
	s.metrics.RecordHealthEvent(ev.Type)
	s.metrics.SetBlockedCreatives(len(s.tracker.Blocked()))

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"blocked":  s.tracker.IsBlocked(ev.CreativeID, ev.Source),
	})
}

// sourceReportHandler returns the per-source creative health report
func (s *Server) sourceReportHandler(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		writeError(w, http.StatusBadRequest, "source query parameter is required")
		return
	}

	writeJSON(w, http.StatusOK, s.tracker.Report(source))
}

// blockedHandler lists currently blocked creative/source pairs
func (s *Server) blockedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocked": s.tracker.Blocked(),
	})
}

// unblockRequest is the wire shape for POST /creatives/unblock
type unblockRequest struct {
	CreativeID string `json:"creative_id"`
	Source     string `json:"source"`
}

// unblockHandler manually clears a block and resets its counters
func (s *Server) unblockHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req unblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CreativeID == "" || req.Source == "" {
		writeError(w, http.StatusBadRequest, "creative_id and source are required")
		return
	}

	s.tracker.Unblock(req.CreativeID, req.Source)
	s.metrics.SetBlockedCreatives(len(s.tracker.Blocked()))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"creative_id": req.CreativeID,
		"source":      req.Source,
		"blocked":     false,
	})
}

// cacheStatsHandler returns unwrap cache occupancy
func (s *Server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

// statusHandler returns a component status summary
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":            "ok",
		"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
		"sources":           len(s.registry.All()),
		"blocked_creatives": len(s.tracker.Blocked()),
		"database_enabled":  s.db != nil,
		"redis_enabled":     s.redisClient != nil,
	}
	if s.notifier != nil {
		status["notifier"] = s.notifier.Stats()
	}

	writeJSON(w, http.StatusOK, status)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log := logger.Log
	log.Info().Str("addr", s.httpServer.Addr).Msg("Server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown performs graceful shutdown
func (s *Server) Shutdown(ctx context.Context) error {
	log := logger.Log
	log.Info().Msg("Starting graceful shutdown")

	// Stop the unblock sweep goroutine
	if s.tracker != nil {
		s.tracker.Stop()
	}

	// Drain pending health notifications
	if s.notifier != nil {
		s.notifier.Close()
		log.Info().Msg("Health notifier drained")
	}

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing Redis client")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing database")
		}
	}

	log.Info().Msg("Server stopped gracefully")
	return nil
}

// headerStrings flattens stored JSONB headers into string pairs
func headerStrings(raw map[string]interface{}) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if sv, ok := v.(string); ok {
			out[k] = sv
		}
	}
	return out
}

// writeJSON writes a JSON response with the given status
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError writes a JSON error envelope
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests with structured logging
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// Generate request ID
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Add request ID to response
		w.Header().Set("X-Request-ID", requestID)

		// Process request
		next.ServeHTTP(wrapped, r)

		// Log request completion
		duration := time.Since(start)

		event := logger.Log.Info()
		if wrapped.statusCode >= 400 {
			event = logger.Log.Warn()
		}
		if wrapped.statusCode >= 500 {
			event = logger.Log.Error()
		}

		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration_ms", duration).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("HTTP request")
	})
}

// healthHandler returns a simple liveness check
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   "1.0.0",
		})
	})
}

// readyHandler returns a readiness check with dependency verification
func readyHandler(redisClient *redis.Client, db *sql.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]interface{})
		allHealthy := true

		// Check Redis if available
		if redisClient != nil {
			if err := redisClient.Ping(ctx); err != nil {
				checks["redis"] = map[string]interface{}{
					"status": "unhealthy",
					"error":  err.Error(),
				}
				allHealthy = false
			} else {
				checks["redis"] = map[string]interface{}{
					"status": "healthy",
				}
			}
		} else {
			checks["redis"] = map[string]interface{}{
				"status": "disabled",
			}
		}

		// Check database if available
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				checks["database"] = map[string]interface{}{
					"status": "unhealthy",
					"error":  err.Error(),
				}
				allHealthy = false
			} else {
				checks["database"] = map[string]interface{}{
					"status": "healthy",
				}
			}
		} else {
			checks["database"] = map[string]interface{}{
				"status": "disabled",
			}
		}

		status := http.StatusOK
		if !allHealthy {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, map[string]interface{}{
			"ready":     allHealthy,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	})
}
