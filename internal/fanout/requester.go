package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// bidRequest is the JSON body sent to a demand source endpoint
type bidRequest struct {
	SourceID  string `json:"source_id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// HTTPRequester requests bids from demand source endpoints over HTTP.
// Endpoints are registered per source; requests to unregistered sources
// fail immediately and count as no-bids in the executor.
type HTTPRequester struct {
	mu        sync.RWMutex
	endpoints map[string]string
	headers   map[string]map[string]string
	client    *http.Client
}

// NewHTTPRequester creates a requester with a pooled transport sized for
// concurrent fanout groups.
func NewHTTPRequester() *HTTPRequester {
	return &HTTPRequester{
		endpoints: make(map[string]string),
		headers:   make(map[string]map[string]string),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout: 2 * time.Second,
				}).DialContext,
			},
		},
	}
}

// SetEndpoint registers or replaces a source's bid endpoint. Optional
// headers are sent verbatim on every request to that source.
func (r *HTTPRequester) SetEndpoint(sourceID, endpoint string, headers map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[sourceID] = endpoint
	if len(headers) > 0 {
		r.headers[sourceID] = headers
	} else {
		delete(r.headers, sourceID)
	}
}

// Endpoints returns the registered source IDs.
func (r *HTTPRequester) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// RequestBid implements Requester. A 204 response is a deliberate no-bid
// and returns (nil, nil); other non-2xx statuses are errors.
func (r *HTTPRequester) RequestBid(ctx context.Context, sourceID string, timeout time.Duration) (*BidResult, error) {
	r.mu.RLock()
	endpoint, ok := r.endpoints[sourceID]
	headers := r.headers[sourceID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no endpoint registered for source %q", sourceID)
	}

	body, err := json.Marshal(bidRequest{SourceID: sourceID, TimeoutMs: timeout.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("encode bid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build bid request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bid request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("bid request returned status %d", resp.StatusCode)
	}

	var bid BidResult
	if err := json.NewDecoder(resp.Body).Decode(&bid); err != nil {
		return nil, fmt.Errorf("decode bid response: %w", err)
	}
	if bid.CPM <= 0 {
		return nil, nil
	}
	bid.SourceID = sourceID
	return &bid, nil
}
