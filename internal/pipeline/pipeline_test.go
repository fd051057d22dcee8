package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thenexusengine/tne_addecision/internal/fanout"
	"github.com/thenexusengine/tne_addecision/internal/health"
	"github.com/thenexusengine/tne_addecision/internal/quality"
	"github.com/thenexusengine/tne_addecision/internal/registry"
	"github.com/thenexusengine/tne_addecision/internal/unwrap"
)

const inlineDoc = `<VAST version="4.0">
  <Ad id="inline-1">
    <InLine>
      <AdSystem>TestServer</AdSystem>
      <AdTitle>Holiday Promo</AdTitle>
      <Impression><![CDATA[https://track.example.com/imp]]></Impression>
      <Creatives>
        <Creative id="c1">
          <Linear>
            <Duration>00:00:15</Duration>
            <MediaFiles>
              <MediaFile delivery="progressive" type="video/mp4" bitrate="2000" width="1920" height="1080"><![CDATA[https://cdn.example.com/ad.mp4]]></MediaFile>
            </MediaFiles>
            <VideoClicks>
              <ClickThrough><![CDATA[https://promo.example.com]]></ClickThrough>
            </VideoClicks>
            <TrackingEvents>
              <Tracking event="start"><![CDATA[https://track.example.com/start]]></Tracking>
            </TrackingEvents>
          </Linear>
        </Creative>
      </Creatives>
    </InLine>
  </Ad>
</VAST>`

func vastServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, inlineDoc)
	}))
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func bidRequester(vastURL string, cpms map[string]float64) fanout.Requester {
	return fanout.RequesterFunc(func(ctx context.Context, sourceID string, timeout time.Duration) (*fanout.BidResult, error) {
		cpm, ok := cpms[sourceID]
		if !ok {
			return nil, nil
		}
		return &fanout.BidResult{CPM: cpm, Currency: "USD", VASTURL: vastURL}, nil
	})
}

func newTestPipeline(requester fanout.Requester, tracker *health.Tracker) (*Pipeline, *registry.Registry) {
	reg := registry.New()
	unwrapper := unwrap.New(unwrap.NewHTTPFetcher(), unwrap.NewMemoryCache(time.Minute), nil)
	return New(reg, requester, unwrapper, quality.NewValidator(), tracker, nil, Config{}), reg
}

func TestDecideEndToEnd(t *testing.T) {
	srv, _ := vastServer(t)
	requester := bidRequester(srv.URL, map[string]float64{
		"ssp-a": 9.0,
		"ssp-b": 11.0,
		"ssp-c": 14.0,
	})
	p, _ := newTestPipeline(requester, health.NewTracker(nil, nil, nil))

	decision, err := p.Decide(context.Background(), DecisionRequest{
		Sources:           []string{"ssp-a", "ssp-b", "ssp-c"},
		EarlyWinThreshold: 15.0,
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}

	if decision.ID == "" {
		t.Error("missing decision ID")
	}
	if decision.Winner == nil || decision.Winner.CPM != 14.0 {
		t.Fatalf("winner = %+v", decision.Winner)
	}
	if decision.Winner.SourceID != "ssp-c" {
		t.Errorf("winner source = %q", decision.Winner.SourceID)
	}
	if decision.EarlyWin {
		t.Error("threshold above every bid must not trigger an early win")
	}
	if len(decision.AllBids) != 3 {
		t.Errorf("all bids = %d", len(decision.AllBids))
	}
	if decision.UnwrapResult == nil || !decision.UnwrapResult.Resolved() {
		t.Fatalf("unwrap result = %+v", decision.UnwrapResult)
	}
	if decision.QualityScore == nil || !decision.QualityScore.ShouldServe {
		t.Fatalf("quality = %+v", decision.QualityScore)
	}
	if !decision.ShouldServe {
		t.Errorf("should serve, block reason %q", decision.BlockReason)
	}
	if decision.Rationale == "" {
		t.Error("missing strategy rationale")
	}
}

func TestDecideNoSourcesIsError(t *testing.T) {
	p, _ := newTestPipeline(bidRequester("", nil), nil)
	if _, err := p.Decide(context.Background(), DecisionRequest{}); err == nil {
		t.Fatal("expected error for empty source list")
	}
}

func TestDecideNoBids(t *testing.T) {
	requester := fanout.RequesterFunc(func(ctx context.Context, sourceID string, timeout time.Duration) (*fanout.BidResult, error) {
		return nil, nil
	})
	p, _ := newTestPipeline(requester, nil)

	decision, err := p.Decide(context.Background(), DecisionRequest{Sources: []string{"ssp-a", "ssp-b"}})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if decision.Winner != nil {
		t.Errorf("winner = %+v", decision.Winner)
	}
	if decision.ShouldServe {
		t.Error("no-ad decision must not serve")
	}
	if decision.BlockReason != "no bids received" {
		t.Errorf("block reason = %q", decision.BlockReason)
	}
}

func TestDecideBlockedCreativeSkipsUnwrap(t *testing.T) {
	srv, fetches := vastServer(t)
	requester := bidRequester(srv.URL, map[string]float64{"ssp-a": 5.0})

	tracker := health.NewTracker(nil, nil, nil)
	for i := 0; i < 10; i++ {
		tracker.Record("cr-1", "ssp-a", health.ImpressionEvent{})
	}
	for i := 0; i < 5; i++ {
		tracker.Record("cr-1", "ssp-a", health.ErrorEvent{ErrorType: "playback"})
	}

	p, _ := newTestPipeline(requester, tracker)
	decision, err := p.Decide(context.Background(), DecisionRequest{
		Sources:    []string{"ssp-a"},
		CreativeID: "cr-1",
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}

	if decision.ShouldServe {
		t.Error("blocked creative must not serve")
	}
	if !strings.Contains(decision.BlockReason, "blocked") {
		t.Errorf("block reason = %q", decision.BlockReason)
	}
	if fetches.Load() != 0 {
		t.Errorf("blocked winner still unwrapped, %d fetches", fetches.Load())
	}
}

func TestDecideUnresolvedCreative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	requester := bidRequester(srv.URL, map[string]float64{"ssp-a": 5.0})
	p, _ := newTestPipeline(requester, nil)

	decision, err := p.Decide(context.Background(), DecisionRequest{Sources: []string{"ssp-a"}})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if decision.ShouldServe {
		t.Error("unresolved creative must not serve")
	}
	if !strings.Contains(decision.BlockReason, "unwrap failed") {
		t.Errorf("block reason = %q", decision.BlockReason)
	}
}

func TestDecideMarkupWinner(t *testing.T) {
	requester := fanout.RequesterFunc(func(ctx context.Context, sourceID string, timeout time.Duration) (*fanout.BidResult, error) {
		return &fanout.BidResult{CPM: 3.0, Currency: "USD", AdMarkup: inlineDoc}, nil
	})
	p, _ := newTestPipeline(requester, nil)

	decision, err := p.Decide(context.Background(), DecisionRequest{Sources: []string{"ssp-a"}})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if !decision.ShouldServe {
		t.Errorf("markup winner should serve, reason %q", decision.BlockReason)
	}
	if decision.UnwrapResult.Creative.Title != "Holiday Promo" {
		t.Errorf("creative = %+v", decision.UnwrapResult.Creative)
	}
}

func TestDecideWinnerWithoutCreative(t *testing.T) {
	requester := fanout.RequesterFunc(func(ctx context.Context, sourceID string, timeout time.Duration) (*fanout.BidResult, error) {
		return &fanout.BidResult{CPM: 3.0, Currency: "USD"}, nil
	})
	p, _ := newTestPipeline(requester, nil)

	decision, err := p.Decide(context.Background(), DecisionRequest{Sources: []string{"ssp-a"}})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if decision.ShouldServe {
		t.Error("bid without creative must not serve")
	}
	if decision.BlockReason != "winning bid carried no creative" {
		t.Errorf("block reason = %q", decision.BlockReason)
	}
}

func TestGatedUnwrap(t *testing.T) {
	srv, _ := vastServer(t)
	p, _ := newTestPipeline(bidRequester("", nil), health.NewTracker(nil, nil, nil))

	out, err := p.GatedUnwrap(context.Background(), GatedUnwrapRequest{
		VASTURL:    srv.URL,
		CreativeID: "cr-1",
		Source:     "ssp-a",
	})
	if err != nil {
		t.Fatalf("gated unwrap failed: %v", err)
	}
	if !out.ShouldServe {
		t.Errorf("expected serveable, reason %q", out.BlockReason)
	}
	if out.UnwrapResult == nil || out.QualityScore == nil {
		t.Fatalf("out = %+v", out)
	}
}

func TestGatedUnwrapEmptyURLIsError(t *testing.T) {
	p, _ := newTestPipeline(bidRequester("", nil), nil)
	if _, err := p.GatedUnwrap(context.Background(), GatedUnwrapRequest{Source: "ssp-a"}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestGatedUnwrapBlockedCreative(t *testing.T) {
	srv, fetches := vastServer(t)

	tracker := health.NewTracker(nil, nil, nil)
	for i := 0; i < 10; i++ {
		tracker.Record("cr-1", "ssp-a", health.ImpressionEvent{})
	}
	for i := 0; i < 5; i++ {
		tracker.Record("cr-1", "ssp-a", health.ErrorEvent{ErrorType: "playback"})
	}

	p, _ := newTestPipeline(bidRequester("", nil), tracker)
	out, err := p.GatedUnwrap(context.Background(), GatedUnwrapRequest{
		VASTURL:    srv.URL,
		CreativeID: "cr-1",
		Source:     "ssp-a",
	})
	if err != nil {
		t.Fatalf("gated unwrap failed: %v", err)
	}
	if out.ShouldServe {
		t.Error("blocked creative must not serve")
	}
	if fetches.Load() != 0 {
		t.Errorf("blocked creative still fetched %d times", fetches.Load())
	}
}

func TestGatedUnwrapStructuralFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<VAST version="4.0"></VAST>`)
	}))
	defer srv.Close()

	p, _ := newTestPipeline(bidRequester("", nil), nil)
	out, err := p.GatedUnwrap(context.Background(), GatedUnwrapRequest{VASTURL: srv.URL, Source: "ssp-a"})
	if err != nil {
		t.Fatalf("gated unwrap failed: %v", err)
	}
	if out.ShouldServe {
		t.Error("structural failure must not serve")
	}
	if !strings.Contains(out.BlockReason, "unwrap failed") {
		t.Errorf("block reason = %q", out.BlockReason)
	}
}
