// Package quality scores resolved creatives and decides serve eligibility
package quality

import (
	"fmt"
	"strings"

	"github.com/thenexusengine/tne_addecision/internal/unwrap"
)

// Score is the full quality assessment for one creative
type Score struct {
	Overall         float64          `json:"overall"`
	ShouldServe     bool             `json:"should_serve"`
	Technical       TechnicalScore   `json:"technical"`
	Performance     PerformanceScore `json:"performance"`
	BrandSafety     BrandSafetyScore `json:"brand_safety"`
	Issues          []string         `json:"issues,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Rationale       string           `json:"rationale"`
}

// TechnicalScore covers media file and tracking integrity
type TechnicalScore struct {
	Score    float64  `json:"score"`
	Critical bool     `json:"critical"`
	Issues   []string `json:"issues,omitempty"`
}

// PerformanceScore holds playback outcome predictions
type PerformanceScore struct {
	PredictedCompletionRate float64 `json:"predicted_completion_rate"`
	PredictedCTR            float64 `json:"predicted_ctr"`
}

// BrandSafetyScore covers content suitability
type BrandSafetyScore struct {
	Score float64  `json:"score"`
	Safe  bool     `json:"safe"`
	Flags []string `json:"flags,omitempty"`
}

const (
	serveThreshold      = 70.0
	criticalThreshold   = 50.0
	safeThreshold       = 80.0
	minBitrateKbps      = 500
	maxBitrateKbps      = 5000
	lowAvgBitrateKbps   = 800
	highAvgBitrateKbps  = 2500
	maxRecommendedSecs  = 60
	baseCompletionRate  = 0.85
	ctrWithClickThrough = 0.015
	ctrWithout          = 0.002
)

// supportedContainers are MIME types playable across CTV devices
var supportedContainers = map[string]bool{
	"video/mp4":  true,
	"video/webm": true,
	"video/ogg":  true,
}

// supportedCodecs; an empty codec attribute passes since most tags omit it
var supportedCodecs = map[string]bool{
	"h264": true,
	"h265": true,
	"hevc": true,
	"vp8":  true,
	"vp9":  true,
	"av1":  true,
}

var disallowedKeywords = []string{
	"gambling",
	"casino",
	"weapons",
	"violence",
	"adult",
	"tobacco",
}

var shortenerDomains = []string{
	"bit.ly",
	"tinyurl.com",
	"goo.gl",
	"t.co",
	"ow.ly",
	"is.gd",
}

// Validator scores creatives. Stateless and safe for concurrent use.
type Validator struct{}

// NewValidator creates a validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate scores a resolved creative. The creative must be non-nil; callers
// treat an unresolved unwrap as blocked before reaching here.
func (v *Validator) Validate(creative *unwrap.Creative) *Score {
	score := &Score{}

	score.Technical = v.scoreTechnical(creative)
	score.Performance = v.scorePerformance(creative)
	score.BrandSafety = v.scoreBrandSafety(creative)

	score.Overall = 0.4*score.Technical.Score +
		0.3*(score.Performance.PredictedCompletionRate*100) +
		0.3*score.BrandSafety.Score

	score.ShouldServe = score.Overall >= serveThreshold &&
		!score.Technical.Critical &&
		score.BrandSafety.Safe

	score.Issues = append(score.Issues, score.Technical.Issues...)
	score.Issues = append(score.Issues, score.BrandSafety.Flags...)
	v.annotate(score, creative)
	score.Rationale = v.rationale(score)

	return score
}

func (v *Validator) scoreTechnical(creative *unwrap.Creative) TechnicalScore {
	ts := TechnicalScore{Score: 100}

	if len(creative.MediaFiles) == 0 {
		ts.Score = 0
		ts.Critical = true
		ts.Issues = append(ts.Issues, "no media files")
		return ts
	}

	for _, mf := range creative.MediaFiles {
		if !supportedContainers[strings.ToLower(mf.Type)] {
			ts.Score -= 15
			ts.Issues = append(ts.Issues, fmt.Sprintf("unsupported container %q", mf.Type))
		} else if mf.Codec != "" && !supportedCodecs[strings.ToLower(mf.Codec)] {
			ts.Score -= 15
			ts.Issues = append(ts.Issues, fmt.Sprintf("unsupported codec %q", mf.Codec))
		}
		if mf.Bitrate != 0 && (mf.Bitrate < minBitrateKbps || mf.Bitrate > maxBitrateKbps) {
			ts.Score -= 10
			ts.Issues = append(ts.Issues, fmt.Sprintf("bitrate %d kbps outside [%d, %d]", mf.Bitrate, minBitrateKbps, maxBitrateKbps))
		}
	}

	if creative.DurationSec > maxRecommendedSecs {
		ts.Score -= 5
		ts.Issues = append(ts.Issues, fmt.Sprintf("duration %ds exceeds %ds", creative.DurationSec, maxRecommendedSecs))
	}

	if len(creative.TrackingEvents) == 0 {
		ts.Score -= 10
		ts.Issues = append(ts.Issues, "no tracking events")
	}

	if ts.Score < 0 {
		ts.Score = 0
	}
	ts.Critical = ts.Score < criticalThreshold
	return ts
}

func (v *Validator) scorePerformance(creative *unwrap.Creative) PerformanceScore {
	completion := baseCompletionRate
	if creative.DurationSec > 30 {
		completion -= 0.1
	}
	if creative.DurationSec > 45 {
		completion -= 0.1
	}
	if creative.DurationSec > 60 {
		completion -= 0.15
	}

	if avg := averageBitrate(creative.MediaFiles); avg > 0 {
		if avg < lowAvgBitrateKbps {
			completion -= 0.05
		} else if avg >= highAvgBitrateKbps {
			completion += 0.05
		}
	}

	if completion < 0 {
		completion = 0
	}
	if completion > 1 {
		completion = 1
	}

	ctr := ctrWithout
	if creative.ClickThrough != "" {
		ctr = ctrWithClickThrough
	}

	return PerformanceScore{PredictedCompletionRate: completion, PredictedCTR: ctr}
}

func (v *Validator) scoreBrandSafety(creative *unwrap.Creative) BrandSafetyScore {
	bs := BrandSafetyScore{Score: 100}

	title := strings.ToLower(creative.Title)
	for _, kw := range disallowedKeywords {
		if strings.Contains(title, kw) {
			bs.Score -= 25
			bs.Flags = append(bs.Flags, fmt.Sprintf("disallowed keyword %q in title", kw))
		}
	}

	for _, mf := range creative.MediaFiles {
		lower := strings.ToLower(mf.URL)
		for _, domain := range shortenerDomains {
			if strings.Contains(lower, domain) {
				bs.Score -= 15
				bs.Flags = append(bs.Flags, fmt.Sprintf("URL shortener %q in media URL", domain))
			}
		}
	}

	if bs.Score < 0 {
		bs.Score = 0
	}
	bs.Safe = bs.Score >= safeThreshold
	return bs
}

func (v *Validator) annotate(score *Score, creative *unwrap.Creative) {
	if creative.DurationSec > 30 && creative.DurationSec <= maxRecommendedSecs {
		score.Warnings = append(score.Warnings, "durations over 30s reduce predicted completion")
	}
	if avg := averageBitrate(creative.MediaFiles); avg > 0 && avg < lowAvgBitrateKbps {
		score.Recommendations = append(score.Recommendations, "provide a rendition above 800 kbps")
	}
	if creative.ClickThrough == "" {
		score.Recommendations = append(score.Recommendations, "add a click-through URL to lift CTR")
	}
	if len(creative.MediaFiles) == 1 {
		score.Recommendations = append(score.Recommendations, "provide multiple renditions for adaptive delivery")
	}
}

func (v *Validator) rationale(score *Score) string {
	switch {
	case score.Technical.Critical:
		return "blocked: critical technical defect"
	case !score.BrandSafety.Safe:
		return "blocked: brand safety flags"
	case score.Overall < serveThreshold:
		return fmt.Sprintf("blocked: overall score %.1f below %.0f", score.Overall, serveThreshold)
	default:
		return fmt.Sprintf("serveable: overall score %.1f", score.Overall)
	}
}

func averageBitrate(files []unwrap.MediaFile) int {
	var sum, n int
	for _, mf := range files {
		if mf.Bitrate > 0 {
			sum += mf.Bitrate
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}
