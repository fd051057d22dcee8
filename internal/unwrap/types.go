// Package unwrap resolves VAST wrapper chains into inline creatives
package unwrap

// HopType classifies a resolved document in the chain
type HopType string

const (
	HopWrapper HopType = "wrapper"
	HopInline  HopType = "inline"
	HopFailed  HopType = "failed"
)

// Hop is one fetch in the wrapper chain
type Hop struct {
	Depth          int     `json:"depth"`
	URL            string  `json:"url"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	Type           HopType `json:"type"`
}

// HopError records a fetch or parse failure at a specific depth
type HopError struct {
	Depth   int    `json:"depth"`
	URL     string `json:"url"`
	Message string `json:"message"`
}

// TaggedURL is a tracking URL annotated with the hop depth it came from
type TaggedURL struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// VerificationScript is a measurement vendor resource found along the chain
type VerificationScript struct {
	Vendor string `json:"vendor,omitempty"`
	URL    string `json:"url"`
	Depth  int    `json:"depth"`
}

// Pricing is the declared media cost, taken from the deepest hop that carries one
type Pricing struct {
	Model    string  `json:"model"`
	Currency string  `json:"currency"`
	Value    float64 `json:"value"`
}

// MediaFile is one playable rendition of the resolved creative
type MediaFile struct {
	URL     string `json:"url"`
	Type    string `json:"type"`
	Bitrate int    `json:"bitrate"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Codec   string `json:"codec,omitempty"`
}

// Creative is the resolved inline creative at the end of a chain
type Creative struct {
	Title          string              `json:"title"`
	Advertiser     string              `json:"advertiser,omitempty"`
	DurationSec    int                 `json:"duration_sec"`
	MediaFiles     []MediaFile         `json:"media_files"`
	ClickThrough   string              `json:"click_through,omitempty"`
	TrackingEvents map[string][]string `json:"tracking_events"`
}

// Result is the outcome of unwrapping one original URL. A result is cached
// and returned verbatim on a hit; failures are results too, not errors.
type Result struct {
	OriginalURL         string                 `json:"original_url"`
	Chain               []Hop                  `json:"chain"`
	Creative            *Creative              `json:"creative,omitempty"`
	TrackingPixels      map[string][]TaggedURL `json:"tracking_pixels"`
	VerificationScripts []VerificationScript   `json:"verification_scripts,omitempty"`
	Pricing             *Pricing               `json:"pricing,omitempty"`
	Errors              []HopError             `json:"errors,omitempty"`
	TotalDurationMs     float64                `json:"total_duration_ms"`
	Depth               int                    `json:"depth"`
}

// Resolved reports whether the chain reached an inline creative
func (r *Result) Resolved() bool {
	return r.Creative != nil
}
