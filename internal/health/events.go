// Package health tracks creative playback outcomes and blocks persistently
// failing creatives per (creative, source) key
package health

// Dimensions describe the playback context an event occurred in
type Dimensions struct {
	DeviceType      string `json:"device_type,omitempty"`
	Location        string `json:"location,omitempty"`
	ConnectionSpeed string `json:"connection_speed,omitempty"`
	PlayerType      string `json:"player_type,omitempty"`
}

// Event is a closed set of playback telemetry variants
type Event interface {
	eventDimensions() Dimensions
}

// ImpressionEvent records a creative starting playback
type ImpressionEvent struct {
	Dimensions Dimensions
}

// ErrorEvent records a playback failure with its error type
type ErrorEvent struct {
	ErrorType  string
	Dimensions Dimensions
}

// CompleteEvent records a creative playing to the end
type CompleteEvent struct {
	Dimensions Dimensions
}

// ClickEvent records a viewer click-through
type ClickEvent struct {
	Dimensions Dimensions
}

func (e ImpressionEvent) eventDimensions() Dimensions { return e.Dimensions }
func (e ErrorEvent) eventDimensions() Dimensions      { return e.Dimensions }
func (e CompleteEvent) eventDimensions() Dimensions   { return e.Dimensions }
func (e ClickEvent) eventDimensions() Dimensions      { return e.Dimensions }
