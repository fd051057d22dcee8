// Package storage provides database access for the decision pipeline
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thenexusengine/tne_addecision/internal/registry"
)

// Source represents a demand source configuration from the database
type Source struct {
	ID          string                 `json:"id"`
	SourceID    string                 `json:"source_id"`
	Name        string                 `json:"name"`
	EndpointURL string                 `json:"endpoint_url"`
	Enabled     bool                   `json:"enabled"`
	Status      string                 `json:"status"`
	HTTPHeaders map[string]interface{} `json:"http_headers"`

	// Baseline performance used to seed the registry before live samples
	// accumulate
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	P95ResponseTimeMs float64 `json:"p95_response_time_ms"`
	TimeoutRate       float64 `json:"timeout_rate"`
	AvgCPM            float64 `json:"avg_cpm"`
	FillRate          float64 `json:"fill_rate"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SourceStore provides database operations for demand sources
type SourceStore struct {
	db *sql.DB
}

// NewSourceStore creates a new source store
func NewSourceStore(db *sql.DB) *SourceStore {
	return &SourceStore{db: db}
}

const sourceColumns = `id, source_id, name, endpoint_url, enabled, status, http_headers,
       avg_response_time_ms, p95_response_time_ms, timeout_rate, avg_cpm, fill_rate,
       created_at, updated_at`

func scanSource(scan func(dest ...interface{}) error) (*Source, error) {
	var s Source
	var httpHeadersJSON []byte

	err := scan(
		&s.ID,
		&s.SourceID,
		&s.Name,
		&s.EndpointURL,
		&s.Enabled,
		&s.Status,
		&httpHeadersJSON,
		&s.AvgResponseTimeMs,
		&s.P95ResponseTimeMs,
		&s.TimeoutRate,
		&s.AvgCPM,
		&s.FillRate,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(httpHeadersJSON) > 0 {
		if err := json.Unmarshal(httpHeadersJSON, &s.HTTPHeaders); err != nil {
			return nil, fmt.Errorf("failed to parse http_headers: %w", err)
		}
	}
	return &s, nil
}

// GetByID retrieves an active source by its source_id
func (s *SourceStore) GetByID(ctx context.Context, sourceID string) (*Source, error) {
	query := `
		SELECT ` + sourceColumns + `
		FROM demand_sources
		WHERE source_id = $1 AND enabled = true AND status = 'active'
	`

	row := s.db.QueryRowContext(ctx, query, sourceID)
	src, err := scanSource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil // Source not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query source: %w", err)
	}
	return src, nil
}

// ListActive retrieves all active sources
func (s *SourceStore) ListActive(ctx context.Context) ([]*Source, error) {
	query := `
		SELECT ` + sourceColumns + `
		FROM demand_sources
		WHERE enabled = true AND status = 'active'
		ORDER BY source_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	sources := make([]*Source, 0, 32)
	for rows.Next() {
		src, err := scanSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// Create adds a new source
func (s *SourceStore) Create(ctx context.Context, src *Source) error {
	query := `
		INSERT INTO demand_sources (
			source_id, name, endpoint_url, enabled, status, http_headers,
			avg_response_time_ms, p95_response_time_ms, timeout_rate, avg_cpm, fill_rate
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	httpHeadersJSON, err := json.Marshal(src.HTTPHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal http_headers: %w", err)
	}

	status := src.Status
	if status == "" {
		status = "active"
	}

	err = s.db.QueryRowContext(ctx, query,
		src.SourceID,
		src.Name,
		src.EndpointURL,
		src.Enabled,
		status,
		httpHeadersJSON,
		src.AvgResponseTimeMs,
		src.P95ResponseTimeMs,
		src.TimeoutRate,
		src.AvgCPM,
		src.FillRate,
	).Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	return nil
}

// UpdateBaselines writes a source's current registry stats back to the
// database so a restart seeds from recent reality instead of stale columns
func (s *SourceStore) UpdateBaselines(ctx context.Context, perf registry.SourcePerformance) error {
	query := `
		UPDATE demand_sources
		SET avg_response_time_ms = $1, p95_response_time_ms = $2,
		    timeout_rate = $3, avg_cpm = $4, fill_rate = $5
		WHERE source_id = $6
	`

	result, err := s.db.ExecContext(ctx, query,
		perf.AvgResponseTimeMs,
		perf.P95ResponseTimeMs,
		perf.TimeoutRate,
		perf.AvgCPM,
		perf.FillRate,
		perf.SourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update source baselines: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source not found: %s", perf.SourceID)
	}
	return nil
}

// SetEnabled enables or disables a source
func (s *SourceStore) SetEnabled(ctx context.Context, sourceID string, enabled bool) error {
	query := `
		UPDATE demand_sources
		SET enabled = $1
		WHERE source_id = $2
	`

	result, err := s.db.ExecContext(ctx, query, enabled, sourceID)
	if err != nil {
		return fmt.Errorf("failed to set source enabled: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source not found: %s", sourceID)
	}
	return nil
}

// Archive soft-deletes a source
func (s *SourceStore) Archive(ctx context.Context, sourceID string) error {
	query := `
		UPDATE demand_sources
		SET status = 'archived', enabled = false
		WHERE source_id = $1
	`

	result, err := s.db.ExecContext(ctx, query, sourceID)
	if err != nil {
		return fmt.Errorf("failed to archive source: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source not found: %s", sourceID)
	}
	return nil
}

// SeedRegistry loads active source baselines into the performance registry
func (s *SourceStore) SeedRegistry(ctx context.Context, reg *registry.Registry) (int, error) {
	sources, err := s.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	perfs := make([]registry.SourcePerformance, 0, len(sources))
	for _, src := range sources {
		perfs = append(perfs, registry.SourcePerformance{
			SourceID:          src.SourceID,
			AvgResponseTimeMs: src.AvgResponseTimeMs,
			P95ResponseTimeMs: src.P95ResponseTimeMs,
			TimeoutRate:       src.TimeoutRate,
			AvgCPM:            src.AvgCPM,
			FillRate:          src.FillRate,
		})
	}
	reg.Seed(perfs)
	return len(perfs), nil
}
