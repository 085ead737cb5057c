package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"sitepulse/api/models"

	"github.com/lib/pq"
)

// ErrWorkspaceNotFound is returned when the directory has no workspace for
// the given id.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// WorkspaceStore is the Postgres-backed read API over the workspace
// directory. The directory service owns writes; ingestion only reads
// settings and filter rules, and only on config-cache misses.
type WorkspaceStore struct {
	db *sql.DB
}

func NewWorkspaceStore(db *sql.DB) *WorkspaceStore {
	return &WorkspaceStore{db: db}
}

// GetWorkspaceConfig loads one workspace's geo settings, allowed origin
// domains, and ordered filter rules.
func (s *WorkspaceStore) GetWorkspaceConfig(ctx context.Context, workspaceID string) (*models.WorkspaceConfig, error) {
	cfg := &models.WorkspaceConfig{WorkspaceID: workspaceID}

	row := s.db.QueryRowContext(ctx, `
		SELECT geo_enabled, geo_store_region, geo_store_city, geo_coordinate_precision, allowed_domains
		FROM workspaces
		WHERE id = $1
	`, workspaceID)

	err := row.Scan(
		&cfg.Geo.Enabled,
		&cfg.Geo.StoreRegion,
		&cfg.Geo.StoreCity,
		&cfg.Geo.CoordinatePrecision,
		pq.Array(&cfg.AllowedDomains),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace %s: %w", workspaceID, err)
	}

	rules, err := s.loadFilterRules(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	cfg.FilterRules = rules

	return cfg, nil
}

func (s *WorkspaceStore) loadFilterRules(ctx context.Context, workspaceID string) ([]models.FilterRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, priority, enabled, conditions, operations
		FROM workspace_filter_rules
		WHERE workspace_id = $1
		ORDER BY priority ASC, id ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load filter rules for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	var rules []models.FilterRule
	for rows.Next() {
		var (
			rule          models.FilterRule
			conditionsRaw []byte
			operationsRaw []byte
		)
		if err := rows.Scan(&rule.ID, &rule.Priority, &rule.Enabled, &conditionsRaw, &operationsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan filter rule: %w", err)
		}
		if err := json.Unmarshal(conditionsRaw, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("malformed conditions on filter rule %s: %w", rule.ID, err)
		}
		if err := json.Unmarshal(operationsRaw, &rule.Operations); err != nil {
			return nil, fmt.Errorf("malformed operations on filter rule %s: %w", rule.ID, err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error loading filter rules: %w", err)
	}

	return rules, nil
}
