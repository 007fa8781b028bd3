package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/plotpalette/plotpalette/internal/domain"
)

// Templates is the template-store view of a Store.
type Templates struct {
	s *Store
}

// Templates returns the template store backed by this database.
func (s *Store) Templates() *Templates {
	return &Templates{s: s}
}

// Get retrieves an immutable template version.
func (t *Templates) Get(ctx context.Context, templateID string, version int) (*domain.Template, error) {
	var (
		tmpl     domain.Template
		steps    []byte
		required []byte
	)
	err := t.s.db.QueryRowContext(ctx, `
		SELECT id, version, steps, required_fields, created_at
		FROM templates WHERE id = ? AND version = ?`,
		templateID, version,
	).Scan(&tmpl.ID, &tmpl.Version, &steps, &required, &tmpl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", domain.ErrTemplateNotFound, templateID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	if err := json.Unmarshal(steps, &tmpl.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode template steps: %w", err)
	}
	if err := json.Unmarshal(required, &tmpl.RequiredFields); err != nil {
		return nil, fmt.Errorf("failed to decode required fields: %w", err)
	}
	tmpl.CreatedAt = tmpl.CreatedAt.UTC()
	return &tmpl, nil
}

// Put stores a new template version. Versions are write-once; a duplicate
// (id, version) pair is an error.
func (t *Templates) Put(ctx context.Context, tmpl *domain.Template) error {
	steps, err := json.Marshal(tmpl.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode template steps: %w", err)
	}
	required, err := json.Marshal(tmpl.RequiredFields)
	if err != nil {
		return fmt.Errorf("failed to encode required fields: %w", err)
	}

	_, err = t.s.db.ExecContext(ctx, `
		INSERT INTO templates (id, version, steps, required_fields, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		tmpl.ID, tmpl.Version, steps, required, tmpl.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}
