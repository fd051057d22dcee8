// Package config provides shared configuration constants for the ad decision service
package config

import "time"

// Server timeout defaults
const (
	// ServerReadTimeout is the maximum duration for reading the entire request
	ServerReadTimeout = 5 * time.Second

	// ServerWriteTimeout is the maximum duration before timing out writes of the response
	ServerWriteTimeout = 10 * time.Second

	// ServerIdleTimeout is the maximum time to wait for the next request when keep-alives are enabled
	ServerIdleTimeout = 120 * time.Second

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 30 * time.Second
)

// Fanout defaults
const (
	// MinSourceTimeout is the smallest per-source timeout the planner will assign
	MinSourceTimeout = 400 * time.Millisecond

	// MaxSourceTimeout is the largest per-source timeout the planner will assign
	MaxSourceTimeout = 2000 * time.Millisecond

	// DefaultLatencyBudget is the total time budget for a fanout round
	DefaultLatencyBudget = 3000 * time.Millisecond

	// DefaultMaxConcurrentCalls limits concurrent bid requests within a parallel group
	DefaultMaxConcurrentCalls = 10

	// StatsAlpha is the exponential moving average weight for source stats updates
	StatsAlpha = 0.1
)

// Unwrap defaults
const (
	// MaxWrapperDepth is how many wrapper redirects the unwrapper will follow
	MaxWrapperDepth = 5

	// DefaultHopTimeout bounds each VAST fetch during unwrapping
	DefaultHopTimeout = 2500 * time.Millisecond

	// UnwrapCacheTTL is how long unwrap results stay valid
	UnwrapCacheTTL = 5 * time.Minute

	// MaxVASTResponseSize limits a fetched VAST document (1MB)
	MaxVASTResponseSize = 1024 * 1024

	// FallbackCreativeDuration is used when a VAST duration cannot be parsed
	FallbackCreativeDuration = 30 * time.Second
)

// Creative health defaults
const (
	// BlockRetestDelay is how long a blocked creative waits before auto re-test
	BlockRetestDelay = 24 * time.Hour

	// UnblockSweepInterval is how often the tracker checks for elapsed re-test times
	UnblockSweepInterval = 60 * time.Second

	// SevereErrorRate blocks with few impressions
	SevereErrorRate = 0.50

	// SevereMinImpressions is the sample floor for the severe threshold
	SevereMinImpressions = 10

	// ElevatedErrorRate blocks with a larger sample
	ElevatedErrorRate = 0.25

	// ElevatedMinImpressions is the sample floor for the elevated threshold
	ElevatedMinImpressions = 20
)

// Notifier defaults
const (
	// NotifyTimeout is the max time for one notification delivery
	NotifyTimeout = 2 * time.Second

	// NotifyQueueSize is the max pending notifications before dropping
	NotifyQueueSize = 64
)
