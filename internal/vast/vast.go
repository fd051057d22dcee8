// Package vast models VAST documents for wrapper chain resolution
package vast

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
)

// VAST is the top-level Video Ad Serving Template document
type VAST struct {
	XMLName xml.Name `xml:"VAST"`
	Version string   `xml:"version,attr"`
	Ads     []Ad     `xml:"Ad"`
}

// Ad holds either an inline creative or a wrapper redirect
type Ad struct {
	ID       string   `xml:"id,attr"`
	Sequence int      `xml:"sequence,attr,omitempty"`
	InLine   *InLine  `xml:"InLine,omitempty"`
	Wrapper  *Wrapper `xml:"Wrapper,omitempty"`
}

// InLine contains all data to display the ad
type InLine struct {
	AdSystem        AdSystem         `xml:"AdSystem"`
	AdTitle         string           `xml:"AdTitle"`
	Description     string           `xml:"Description,omitempty"`
	Advertiser      string           `xml:"Advertiser,omitempty"`
	Pricing         *Pricing         `xml:"Pricing,omitempty"`
	Error           []string         `xml:"Error,omitempty"`
	Impression      []Impression     `xml:"Impression"`
	Creatives       Creatives        `xml:"Creatives"`
	AdVerifications *AdVerifications `xml:"AdVerifications,omitempty"`
}

// Wrapper points to another VAST response
type Wrapper struct {
	AdSystem        AdSystem         `xml:"AdSystem"`
	VASTAdTagURI    string           `xml:"VASTAdTagURI"`
	Error           []string         `xml:"Error,omitempty"`
	Impression      []Impression     `xml:"Impression"`
	Creatives       Creatives        `xml:"Creatives,omitempty"`
	Pricing         *Pricing         `xml:"Pricing,omitempty"`
	AdVerifications *AdVerifications `xml:"AdVerifications,omitempty"`
}

// AdSystem identifies the serving system
type AdSystem struct {
	Version string `xml:"version,attr,omitempty"`
	Name    string `xml:",chardata"`
}

// Pricing carries the declared media cost
type Pricing struct {
	Model    string  `xml:"model,attr"`
	Currency string  `xml:"currency,attr"`
	Value    float64 `xml:",chardata"`
}

// Impression is a tracking pixel fired on impression
type Impression struct {
	ID  string `xml:"id,attr,omitempty"`
	URL string `xml:",cdata"`
}

// AdVerifications holds measurement vendor scripts
type AdVerifications struct {
	Verification []Verification `xml:"Verification"`
}

// Verification is one vendor's measurement resource
type Verification struct {
	Vendor             string `xml:"vendor,attr,omitempty"`
	JavaScriptResource string `xml:"JavaScriptResource"`
	VerificationParams string `xml:"VerificationParameters,omitempty"`
}

// Creatives container
type Creatives struct {
	Creative []Creative `xml:"Creative"`
}

// Creative element
type Creative struct {
	ID       string  `xml:"id,attr,omitempty"`
	AdID     string  `xml:"adId,attr,omitempty"`
	Sequence int     `xml:"sequence,attr,omitempty"`
	Linear   *Linear `xml:"Linear,omitempty"`
}

// Linear video creative
type Linear struct {
	SkipOffset     string          `xml:"skipoffset,attr,omitempty"`
	Duration       string          `xml:"Duration"`
	MediaFiles     MediaFiles      `xml:"MediaFiles"`
	VideoClicks    *VideoClicks    `xml:"VideoClicks,omitempty"`
	TrackingEvents *TrackingEvents `xml:"TrackingEvents,omitempty"`
}

// MediaFiles container
type MediaFiles struct {
	MediaFile []MediaFile `xml:"MediaFile"`
}

// MediaFile is one playable rendition
type MediaFile struct {
	ID       string `xml:"id,attr,omitempty"`
	Delivery string `xml:"delivery,attr"`
	Type     string `xml:"type,attr"`
	Bitrate  int    `xml:"bitrate,attr,omitempty"`
	Width    int    `xml:"width,attr"`
	Height   int    `xml:"height,attr"`
	Codec    string `xml:"codec,attr,omitempty"`
	URL      string `xml:",cdata"`
}

// VideoClicks for clickthrough and click tracking
type VideoClicks struct {
	ClickThrough  *ClickThrough   `xml:"ClickThrough,omitempty"`
	ClickTracking []ClickTracking `xml:"ClickTracking,omitempty"`
}

// ClickThrough destination URL
type ClickThrough struct {
	ID  string `xml:"id,attr,omitempty"`
	URL string `xml:",cdata"`
}

// ClickTracking URL
type ClickTracking struct {
	ID  string `xml:"id,attr,omitempty"`
	URL string `xml:",cdata"`
}

// TrackingEvents container
type TrackingEvents struct {
	Tracking []Tracking `xml:"Tracking"`
}

// Tracking is one quartile/interaction beacon
type Tracking struct {
	Event string `xml:"event,attr"`
	URL   string `xml:",cdata"`
}

// Parse decodes a VAST document
func Parse(data []byte) (*VAST, error) {
	var doc VAST
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed VAST XML: %w", err)
	}
	return &doc, nil
}

// FirstAd returns the first Ad element, or nil for an empty document
func (v *VAST) FirstAd() *Ad {
	if len(v.Ads) == 0 {
		return nil
	}
	return &v.Ads[0]
}

// IsWrapper reports whether the ad redirects to another VAST URL
func (a *Ad) IsWrapper() bool {
	return a.Wrapper != nil && strings.TrimSpace(a.Wrapper.VASTAdTagURI) != ""
}

// IsInline reports whether the ad carries playable creative data
func (a *Ad) IsInline() bool {
	return a.InLine != nil
}

// Linear returns the first linear creative of an inline ad, or nil
func (il *InLine) FirstLinear() *Linear {
	for i := range il.Creatives.Creative {
		if il.Creatives.Creative[i].Linear != nil {
			return il.Creatives.Creative[i].Linear
		}
	}
	return nil
}

// ParseDuration parses HH:MM:SS or MM:SS duration strings. Anything
// unparseable falls back to a fixed default rather than failing the unwrap.
func ParseDuration(s string) time.Duration {
	d, err := parseDurationStrict(s)
	if err != nil {
		return adpconfig.FallbackCreativeDuration
	}
	return d
}

func parseDurationStrict(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	// Fractional seconds (HH:MM:SS.mmm) are truncated
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		s = s[:dot]
	}

	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	nums := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		nums[i] = n
	}

	var secs int
	if len(nums) == 3 {
		secs = nums[0]*3600 + nums[1]*60 + nums[2]
	} else {
		secs = nums[0]*60 + nums[1]
	}
	return time.Duration(secs) * time.Second, nil
}
