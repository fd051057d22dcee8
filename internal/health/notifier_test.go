package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNotifierDeliversBlockedMessage(t *testing.T) {
	var mu sync.Mutex
	var received []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL)
	defer n.Close()

	n.NotifyBlocked(BlockedEntry{
		CreativeID:  "cr-1",
		Source:      "ssp-a",
		ErrorRate:   0.5,
		Impressions: 10,
		Errors:      5,
		Reason:      "High error rate: 50.0% over 10 impressions",
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	msg := received[0]
	mu.Unlock()
	if msg.Type != "creative_blocked" {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.CreativeID != "cr-1" || msg.SSP != "ssp-a" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.ErrorRate != 0.5 || msg.TotalImpressions != 10 || msg.TotalErrors != 5 {
		t.Errorf("counters = %+v", msg)
	}
	if stats := n.Stats(); stats.Delivered != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestNotifierDeliversReport(t *testing.T) {
	var mu sync.Mutex
	var received []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		json.NewDecoder(r.Body).Decode(&msg)
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL)
	defer n.Close()

	n.NotifyReport(SourceReport{
		Source: "ssp-a",
		Creatives: []CreativeReport{
			{CreativeID: "cr-1", Impressions: 20, Errors: 1, ErrorRate: 0.05, Recommendation: "investigate"},
		},
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	msg := received[0]
	mu.Unlock()
	if msg.Type != "periodic_report" {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.Report == nil || len(msg.Report.Creatives) != 1 {
		t.Errorf("report = %+v", msg.Report)
	}
}

func TestNotifierSwallowsEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL)
	defer n.Close()

	n.NotifyBlocked(BlockedEntry{CreativeID: "cr-1", Source: "ssp-a"})

	waitFor(t, time.Second, func() bool {
		return n.Stats().Failed == 1
	})
}

func TestNotifierDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL)
	defer n.Close()
	defer close(block)

	// saturate the workers and the queue, then overflow
	for i := 0; i < 200; i++ {
		n.NotifyBlocked(BlockedEntry{CreativeID: "cr-1", Source: "ssp-a"})
	}

	if n.Stats().Dropped == 0 {
		t.Error("expected drops once the queue filled")
	}
}
