package unwrap

import (
	"context"
	"strings"
	"time"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
	"github.com/thenexusengine/tne_addecision/internal/vast"
	"github.com/thenexusengine/tne_addecision/pkg/logger"
)

// Config holds unwrapper tuning knobs
type Config struct {
	MaxDepth   int
	HopTimeout time.Duration
}

// DefaultConfig returns unwrapper defaults
func DefaultConfig() *Config {
	return &Config{
		MaxDepth:   adpconfig.MaxWrapperDepth,
		HopTimeout: adpconfig.DefaultHopTimeout,
	}
}

func validateConfig(cfg *Config) *Config {
	defaults := DefaultConfig()
	if cfg == nil {
		return defaults
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaults.MaxDepth
	}
	if cfg.HopTimeout <= 0 {
		cfg.HopTimeout = defaults.HopTimeout
	}
	return cfg
}

// Observer receives unwrap outcomes, typically for Prometheus export
type Observer interface {
	RecordCacheLookup(hit bool)
	RecordUnwrap(resolved bool, depth int, duration time.Duration, hopErrors int)
}

// Unwrapper follows VAST wrapper chains to an inline creative,
// consolidating tracking across every hop
type Unwrapper struct {
	fetcher  Fetcher
	cache    Cache
	config   *Config
	observer Observer
}

// New creates an unwrapper
func New(fetcher Fetcher, cache Cache, cfg *Config) *Unwrapper {
	return &Unwrapper{
		fetcher: fetcher,
		cache:   cache,
		config:  validateConfig(cfg),
	}
}

// SetObserver attaches a metrics sink. Call before serving traffic.
func (u *Unwrapper) SetObserver(obs Observer) {
	u.observer = obs
}

// Unwrap resolves a VAST URL. A cache hit within the TTL returns the stored
// result verbatim with no network calls. Otherwise the chain is walked up to
// MaxDepth wrapper redirects (at most MaxDepth+1 fetches); the completed
// result, success or failure, is cached under the original URL.
func (u *Unwrapper) Unwrap(ctx context.Context, originalURL string) *Result {
	if cached, ok := u.cache.Get(ctx, originalURL); ok {
		lg := logger.Unwrap()
		lg.Debug().Str("url", originalURL).Msg("cache hit")
		if u.observer != nil {
			u.observer.RecordCacheLookup(true)
		}
		return cached
	}
	if u.observer != nil {
		u.observer.RecordCacheLookup(false)
	}

	result := u.walk(ctx, originalURL, nil)
	u.cache.Set(ctx, originalURL, result)
	return result
}

// UnwrapMarkup resolves an in-hand VAST document, as returned by bids that
// carry their markup inline. The document itself costs no fetch; any wrapper
// redirects inside it are followed normally. Markup results have no URL key
// and are not cached.
func (u *Unwrapper) UnwrapMarkup(ctx context.Context, markup []byte) *Result {
	return u.walk(ctx, "", markup)
}

const inlineMarkupURL = "inline-markup"

func (u *Unwrapper) walk(ctx context.Context, originalURL string, initial []byte) *Result {
	start := time.Now()
	result := &Result{
		OriginalURL:    originalURL,
		TrackingPixels: make(map[string][]TaggedURL),
	}
	if originalURL == "" {
		result.OriginalURL = inlineMarkupURL
	}

	currentURL := originalURL
	for depth := 0; ; depth++ {
		var body []byte
		var err error
		hopURL := currentURL
		hopMs := 0.0

		if depth == 0 && initial != nil {
			body = initial
			hopURL = inlineMarkupURL
		} else {
			hopStart := time.Now()
			body, err = u.fetcher.Fetch(ctx, currentURL, u.config.HopTimeout)
			hopMs = float64(time.Since(hopStart).Microseconds()) / 1000.0
		}

		if err != nil {
			result.Chain = append(result.Chain, Hop{Depth: depth, URL: hopURL, ResponseTimeMs: hopMs, Type: HopFailed})
			result.Errors = append(result.Errors, HopError{
				Depth:   depth,
				URL:     hopURL,
				Message: "fetch failed: " + err.Error(),
			})
			break
		}

		doc, err := vast.Parse(body)
		if err != nil {
			result.Chain = append(result.Chain, Hop{Depth: depth, URL: hopURL, ResponseTimeMs: hopMs, Type: HopFailed})
			result.Errors = append(result.Errors, HopError{
				Depth:   depth,
				URL:     hopURL,
				Message: err.Error(),
			})
			break
		}

		ad := doc.FirstAd()
		switch {
		case ad == nil:
			result.Chain = append(result.Chain, Hop{Depth: depth, URL: hopURL, ResponseTimeMs: hopMs, Type: HopFailed})
			result.Errors = append(result.Errors, HopError{
				Depth:   depth,
				URL:     hopURL,
				Message: "VAST document contains no ad",
			})

		case ad.IsInline():
			result.Chain = append(result.Chain, Hop{Depth: depth, URL: hopURL, ResponseTimeMs: hopMs, Type: HopInline})
			collectInlineHop(result, ad.InLine, depth)
			result.Creative = buildCreative(ad.InLine)

		case ad.IsWrapper():
			result.Chain = append(result.Chain, Hop{Depth: depth, URL: hopURL, ResponseTimeMs: hopMs, Type: HopWrapper})
			collectWrapperHop(result, ad.Wrapper, depth)
			if depth+1 > u.config.MaxDepth {
				result.Errors = append(result.Errors, HopError{
					Depth:   depth,
					URL:     hopURL,
					Message: "maximum wrapper depth exceeded",
				})
			} else {
				currentURL = strings.TrimSpace(ad.Wrapper.VASTAdTagURI)
				continue
			}

		default:
			// An Ad with neither InLine nor a usable VASTAdTagURI
			result.Chain = append(result.Chain, Hop{Depth: depth, URL: hopURL, ResponseTimeMs: hopMs, Type: HopFailed})
			result.Errors = append(result.Errors, HopError{
				Depth:   depth,
				URL:     hopURL,
				Message: "ad has neither inline creative nor wrapper redirect",
			})
		}
		break
	}

	result.Depth = len(result.Chain) - 1
	if result.Depth < 0 {
		result.Depth = 0
	}
	result.TotalDurationMs = float64(time.Since(start).Microseconds()) / 1000.0

	if u.observer != nil {
		u.observer.RecordUnwrap(result.Resolved(), result.Depth, time.Since(start), len(result.Errors))
	}

	lg := logger.Unwrap()
	lg.Debug().
		Str("url", result.OriginalURL).
		Int("hops", len(result.Chain)).
		Bool("resolved", result.Resolved()).
		Int("errors", len(result.Errors)).
		Float64("duration_ms", result.TotalDurationMs).
		Msg("unwrap completed")

	return result
}

// collectWrapperHop consolidates a wrapper hop's tracking into the result.
// Wrapper impressions must still fire even though the creative comes from
// a deeper hop.
func collectWrapperHop(result *Result, w *vast.Wrapper, depth int) {
	for _, imp := range w.Impression {
		addPixel(result, "impression", imp.URL, depth)
	}
	for _, c := range w.Creatives.Creative {
		if c.Linear != nil && c.Linear.TrackingEvents != nil {
			for _, tr := range c.Linear.TrackingEvents.Tracking {
				addPixel(result, tr.Event, tr.URL, depth)
			}
		}
	}
	collectVerifications(result, w.AdVerifications, depth)
	if w.Pricing != nil {
		result.Pricing = &Pricing{Model: w.Pricing.Model, Currency: w.Pricing.Currency, Value: w.Pricing.Value}
	}
}

// collectInlineHop consolidates the terminal hop's tracking
func collectInlineHop(result *Result, il *vast.InLine, depth int) {
	for _, imp := range il.Impression {
		addPixel(result, "impression", imp.URL, depth)
	}
	if linear := il.FirstLinear(); linear != nil && linear.TrackingEvents != nil {
		for _, tr := range linear.TrackingEvents.Tracking {
			addPixel(result, tr.Event, tr.URL, depth)
		}
	}
	collectVerifications(result, il.AdVerifications, depth)
	if il.Pricing != nil {
		result.Pricing = &Pricing{Model: il.Pricing.Model, Currency: il.Pricing.Currency, Value: il.Pricing.Value}
	}
}

func collectVerifications(result *Result, av *vast.AdVerifications, depth int) {
	if av == nil {
		return
	}
	for _, v := range av.Verification {
		if v.JavaScriptResource == "" {
			continue
		}
		result.VerificationScripts = append(result.VerificationScripts, VerificationScript{
			Vendor: v.Vendor,
			URL:    v.JavaScriptResource,
			Depth:  depth,
		})
	}
}

func addPixel(result *Result, event, url string, depth int) {
	if url == "" {
		return
	}
	result.TrackingPixels[event] = append(result.TrackingPixels[event], TaggedURL{URL: url, Depth: depth})
}

// buildCreative maps the inline VAST ad to the resolved creative
func buildCreative(il *vast.InLine) *Creative {
	creative := &Creative{
		Title:          il.AdTitle,
		Advertiser:     il.Advertiser,
		TrackingEvents: make(map[string][]string),
	}

	linear := il.FirstLinear()
	if linear == nil {
		return creative
	}

	creative.DurationSec = int(vast.ParseDuration(linear.Duration).Seconds())

	for _, mf := range linear.MediaFiles.MediaFile {
		if mf.URL == "" {
			continue
		}
		creative.MediaFiles = append(creative.MediaFiles, MediaFile{
			URL:     mf.URL,
			Type:    mf.Type,
			Bitrate: mf.Bitrate,
			Width:   mf.Width,
			Height:  mf.Height,
			Codec:   mf.Codec,
		})
	}

	if linear.VideoClicks != nil && linear.VideoClicks.ClickThrough != nil {
		creative.ClickThrough = linear.VideoClicks.ClickThrough.URL
	}

	if linear.TrackingEvents != nil {
		for _, tr := range linear.TrackingEvents.Tracking {
			if tr.URL != "" {
				creative.TrackingEvents[tr.Event] = append(creative.TrackingEvents[tr.Event], tr.URL)
			}
		}
	}

	return creative
}
