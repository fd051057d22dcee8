package unwrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
)

// Fetcher retrieves one VAST document; injected so tests can stub transport
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// HTTPFetcher fetches VAST documents over HTTP with connection pooling
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with a pooled transport. Ad servers are
// hit repeatedly during unwrapping, so connection and TLS session reuse
// matter for hop latency.
func NewHTTPFetcher() *HTTPFetcher {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,

		TLSClientConfig: &tls.Config{
			ClientSessionCache: tls.NewLRUClientSessionCache(100),
			MinVersion:         tls.VersionTLS12,
		},

		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}

	return &HTTPFetcher{
		client: &http.Client{Transport: transport},
	}
}

// Fetch GETs a VAST document bounded by the per-hop timeout. Non-2xx is an
// error; the body read is raced against the context so a stalled server
// cannot hold a hop open past its deadline.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/xml, text/xml, */*;q=0.1")

	resp, err := f.client.Do(req) //nolint:bodyclose
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	type readResult struct {
		data []byte
		err  error
	}
	readCh := make(chan readResult, 1)

	go func() {
		defer resp.Body.Close()
		limitedReader := io.LimitReader(resp.Body, adpconfig.MaxVASTResponseSize+1)
		data, err := io.ReadAll(limitedReader)
		readCh <- readResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		resp.Body.Close()
		<-readCh
		return nil, ctx.Err()
	case result := <-readCh:
		if result.err != nil {
			return nil, result.err
		}
		if len(result.data) > adpconfig.MaxVASTResponseSize {
			return nil, fmt.Errorf("response too large: exceeded %d bytes", adpconfig.MaxVASTResponseSize)
		}
		return result.data, nil
	}
}
