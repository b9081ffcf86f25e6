package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/crmdispatch/internal/models"
	"github.com/google/uuid"
)

// TemplateRepository is the read side of the template designer's store
type TemplateRepository struct {
	db *sql.DB
}

func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create stores a rendered template. An empty ID gets a generated one.
func (r *TemplateRepository) Create(ctx context.Context, t *models.Template) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, subject, html, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, subject = excluded.subject,
			html = excluded.html, updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Subject, t.HTML, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetByID returns a template by ID, or nil when it does not exist
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.Template, error) {
	t := &models.Template{}
	var html sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, subject, html, created_at, updated_at FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Subject, &html, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// the designer may save a template before it has a body
	t.HTML = html.String
	return t, nil
}
