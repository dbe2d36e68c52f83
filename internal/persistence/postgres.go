package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/ruleflow/internal/rules"
)

// PostgresStore implements rules.PersistenceStore against a Postgres
// database. Save* replaces the table's full contents in one transaction
// per call, matching rules.Manager.Persist's always-complete-snapshot
// convention rather than attempting a per-record upsert.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-connected, already-migrated db.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveRules(ctx context.Context, rs []rules.Rule) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ruleflow_rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}

	for _, r := range rs {
		trigger, err := json.Marshal(r.Trigger)
		if err != nil {
			return fmt.Errorf("marshal trigger for rule %q: %w", r.ID, err)
		}
		requirements, err := json.Marshal(r.Requirements)
		if err != nil {
			return fmt.Errorf("marshal requirements for rule %q: %w", r.ID, err)
		}
		conditions, err := json.Marshal(r.Conditions)
		if err != nil {
			return fmt.Errorf("marshal conditions for rule %q: %w", r.ID, err)
		}
		actions, err := json.Marshal(r.Actions)
		if err != nil {
			return fmt.Errorf("marshal actions for rule %q: %w", r.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ruleflow_rules
			(id, name, priority, enabled, tags, group_id, trigger, requirements, conditions,
			 actions, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, r.ID, r.Name, r.Priority, r.Enabled, pq.Array(r.Tags), r.Group, trigger, requirements,
			conditions, actions, r.Version, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert rule %q: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) SaveGroups(ctx context.Context, gs []rules.Group) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ruleflow_groups`); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}

	for _, g := range gs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ruleflow_groups (id, name, description, enabled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, g.ID, g.Name, g.Description, g.Enabled, g.CreatedAt, g.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert group %q: %w", g.ID, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) LoadRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, priority, enabled, tags, group_id, trigger, requirements, conditions,
		       actions, version, created_at, updated_at
		FROM ruleflow_rules
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var r rules.Rule
		var trigger, requirements, conditions, actions []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &r.Enabled, pq.Array(&r.Tags), &r.Group,
			&trigger, &requirements, &conditions, &actions, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := json.Unmarshal(trigger, &r.Trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger for rule %q: %w", r.ID, err)
		}
		if err := json.Unmarshal(requirements, &r.Requirements); err != nil {
			return nil, fmt.Errorf("unmarshal requirements for rule %q: %w", r.ID, err)
		}
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions for rule %q: %w", r.ID, err)
		}
		if err := json.Unmarshal(actions, &r.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal actions for rule %q: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadGroups(ctx context.Context) ([]rules.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, enabled, created_at, updated_at
		FROM ruleflow_groups
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []rules.Group
	for rows.Next() {
		var g rules.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.Enabled, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

var _ rules.PersistenceStore = (*PostgresStore)(nil)
