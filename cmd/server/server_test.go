package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/thenexusengine/tne_addecision/internal/health"
	"github.com/thenexusengine/tne_addecision/pkg/logger"
)

func init() {
	// Initialize logger for tests
	logger.Init(logger.Config{
		Level:      "error", // Only show errors in tests
		Format:     "json",
		TimeFormat: time.RFC3339,
	})
}

// Global test server instance to avoid metrics registration conflicts
var testServer *Server

func TestNewServer_MinimalConfig(t *testing.T) {
	// Skip if server was already created
	if testServer != nil {
		t.Skip("Skipping to avoid Prometheus metrics conflict")
	}

	cfg := &ServerConfig{
		Port:          "8080",
		LatencyBudget: 1000 * time.Millisecond,
	}

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	testServer = server // Save for other tests

	if server.config.Port != "8080" {
		t.Errorf("Expected port '8080', got '%s'", server.config.Port)
	}

	if server.httpServer == nil {
		t.Error("Expected HTTP server to be initialized")
	}

	if server.metrics == nil {
		t.Error("Expected metrics to be initialized")
	}

	if server.pipeline == nil {
		t.Error("Expected pipeline to be initialized")
	}

	if server.tracker == nil {
		t.Error("Expected health tracker to be initialized")
	}

	if server.cache == nil {
		t.Error("Expected unwrap cache to be initialized")
	}

	if server.notifier != nil {
		t.Error("Expected no notifier without NOTIFY_URL")
	}
}

func TestServer_DecisionEndpoint_NoSources(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	req := httptest.NewRequest("POST", "/decision", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty source list, got %d", rr.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["error"] == "" {
		t.Error("Expected error envelope in response")
	}
}

func TestServer_DecisionEndpoint_UnreachableSources(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	body := `{"sources": ["ssp-unknown"], "latency_budget_ms": 500}`
	req := httptest.NewRequest("POST", "/decision", strings.NewReader(body))
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var decision map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&decision); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if decision["id"] == "" {
		t.Error("Expected a decision ID")
	}

	if decision["should_serve"] != false {
		t.Error("Expected should_serve=false when no source answered")
	}

	if decision["block_reason"] != "no bids received" {
		t.Errorf("Expected block reason 'no bids received', got '%v'", decision["block_reason"])
	}
}

func TestServer_UnwrapEndpoint_MissingURL(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	req := httptest.NewRequest("POST", "/unwrap", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing vast_url, got %d", rr.Code)
	}
}

func TestServer_EventsEndpoint(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	body := `{"creative_id": "cr-events", "source": "ssp-a", "type": "impression", "dimensions": {"device_type": "ctv"}}`
	req := httptest.NewRequest("POST", "/events", strings.NewReader(body))
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rr.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["accepted"] != true {
		t.Error("Expected accepted=true")
	}

	if response["blocked"] != false {
		t.Error("Expected blocked=false after a single impression")
	}
}

func TestServer_EventsEndpoint_UnknownType(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	body := `{"creative_id": "cr-events", "source": "ssp-a", "type": "rebuffer"}`
	req := httptest.NewRequest("POST", "/events", strings.NewReader(body))
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown event type, got %d", rr.Code)
	}
}

func TestServer_EventsEndpoint_MissingIdentity(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	body := `{"type": "impression"}`
	req := httptest.NewRequest("POST", "/events", strings.NewReader(body))
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing creative_id, got %d", rr.Code)
	}
}

func TestServer_UnblockEndpoint(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	// Drive a creative over the severe threshold
	for i := 0; i < 10; i++ {
		testServer.tracker.Record("cr-unblock", "ssp-a", health.ImpressionEvent{})
	}
	for i := 0; i < 5; i++ {
		testServer.tracker.Record("cr-unblock", "ssp-a", health.ErrorEvent{ErrorType: "playback"})
	}

	if !testServer.tracker.IsBlocked("cr-unblock", "ssp-a") {
		t.Fatal("Expected creative to be blocked before unblock call")
	}

	body := `{"creative_id": "cr-unblock", "source": "ssp-a"}`
	req := httptest.NewRequest("POST", "/creatives/unblock", strings.NewReader(body))
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	if testServer.tracker.IsBlocked("cr-unblock", "ssp-a") {
		t.Error("Expected creative to be unblocked")
	}
}

func TestServer_SourceReportEndpoint(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	req := httptest.NewRequest("GET", "/sources/report?source=ssp-a", nil)
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var report map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&report); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if report["source"] != "ssp-a" {
		t.Errorf("Expected report for 'ssp-a', got '%v'", report["source"])
	}
}

func TestServer_SourceReportEndpoint_MissingParam(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	req := httptest.NewRequest("GET", "/sources/report", nil)
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without source param, got %d", rr.Code)
	}
}

func TestServer_CacheStatsEndpoint(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	req := httptest.NewRequest("GET", "/cache/stats", nil)
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var stats map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if _, ok := stats["size"]; !ok {
		t.Error("Expected 'size' field in cache stats")
	}
}

func TestServer_StatusEndpoint(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()

	testServer.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var status map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if status["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", status["status"])
	}

	if status["database_enabled"] != false {
		t.Error("Expected database_enabled=false without DB config")
	}

	if status["redis_enabled"] != false {
		t.Error("Expected redis_enabled=false without Redis config")
	}
}

func TestServer_HealthHandler(t *testing.T) {
	handler := healthHandler()

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", response["status"])
	}

	if _, ok := response["timestamp"]; !ok {
		t.Error("Expected 'timestamp' field in response")
	}
}

func TestServer_ReadyHandler_NoDependencies(t *testing.T) {
	handler := readyHandler(nil, nil)

	req := httptest.NewRequest("GET", "/health/ready", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	// Should return 200 even without Redis or a database (both optional)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["ready"] != true {
		t.Errorf("Expected ready=true, got %v", response["ready"])
	}

	checks, ok := response["checks"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected 'checks' field to be a map")
	}

	redisCheck, ok := checks["redis"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected 'redis' check to be present")
	}

	if redisCheck["status"] != "disabled" {
		t.Errorf("Expected Redis status 'disabled', got '%v'", redisCheck["status"])
	}

	dbCheck, ok := checks["database"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected 'database' check to be present")
	}

	if dbCheck["status"] != "disabled" {
		t.Errorf("Expected database status 'disabled', got '%v'", dbCheck["status"])
	}
}

func TestLoggingMiddleware(t *testing.T) {
	handler := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	// Check that request ID was added to response
	requestID := rr.Header().Get("X-Request-ID")
	if requestID == "" {
		t.Error("Expected X-Request-ID header to be set")
	}

	// Generated request IDs are UUIDs
	if len(requestID) != 36 {
		t.Errorf("Expected request ID to be 36 characters, got %d", len(requestID))
	}
}

func TestLoggingMiddleware_WithExistingRequestID(t *testing.T) {
	handler := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "custom-request-id")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	// Should preserve existing request ID
	requestID := rr.Header().Get("X-Request-ID")
	if requestID != "custom-request-id" {
		t.Errorf("Expected request ID 'custom-request-id', got '%s'", requestID)
	}
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	rw := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
	}

	rw.WriteHeader(http.StatusNotFound)

	if rw.statusCode != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", rw.statusCode)
	}
}

func TestServer_AllRoutes(t *testing.T) {
	if testServer == nil {
		t.Skip("Test server not initialized")
	}

	// Test various routes
	routes := []struct {
		path           string
		expectedStatus int
	}{
		{"/health", http.StatusOK},
		{"/health/ready", http.StatusOK},
		{"/status", http.StatusOK},
		{"/cache/stats", http.StatusOK},
		{"/creatives/blocked", http.StatusOK},
		{"/sources/report", http.StatusBadRequest},
		{"/metrics", http.StatusOK},
	}

	for _, route := range routes {
		t.Run(route.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", route.path, nil)
			rr := httptest.NewRecorder()

			testServer.httpServer.Handler.ServeHTTP(rr, req)

			if rr.Code != route.expectedStatus {
				t.Errorf("Expected status %d for %s, got %d", route.expectedStatus, route.path, rr.Code)
			}
		})
	}
}

func TestServer_InitDatabase_NoConfig(t *testing.T) {
	server := &Server{config: &ServerConfig{}}

	if err := server.initDatabase(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	if server.db != nil {
		t.Error("Expected no database connection when config is nil")
	}

	if server.sources != nil {
		t.Error("Expected no source store when config is nil")
	}
}

func TestServer_InitRedis_NoURL(t *testing.T) {
	server := &Server{config: &ServerConfig{}}

	if err := server.initRedis(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	if server.redisClient != nil {
		t.Error("Expected no Redis client when URL is empty")
	}
}
