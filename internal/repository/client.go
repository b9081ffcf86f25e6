package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/foxzi/crmdispatch/internal/models"
	"github.com/google/uuid"
)

// ClientRepository is the CRM client directory
type ClientRepository struct {
	db *sql.DB
}

func NewClientRepository(db *sql.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

// Create inserts a client record
func (r *ClientRepository) Create(ctx context.Context, c *models.Client) error {
	return r.Import(ctx, []models.Client{*c})
}

// Import inserts client records in one transaction
func (r *ClientRepository) Import(ctx context.Context, clients []models.Client) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO clients (id, name, email, tags, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range clients {
		c := &clients[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.Groups == nil {
			c.Groups = []string{}
		}
		c.CreatedAt = now

		tags, err := json.Marshal(c.Groups)
		if err != nil {
			return fmt.Errorf("failed to encode groups: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Name, c.Email, string(tags), c.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert client %s: %w", c.Name, err)
		}
	}

	return tx.Commit()
}

// GroupExists reports whether any client carries the group tag
func (r *ClientRepository) GroupExists(ctx context.Context, group string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM clients c, json_each(c.tags) t WHERE t.value = ?
		)`, group).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// GroupEmails returns emails of clients tagged with group, skipping clients
// without an email.
func (r *ClientRepository) GroupEmails(ctx context.Context, group string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.email FROM clients c
		WHERE c.email IS NOT NULL AND TRIM(c.email) != ''
			AND EXISTS (SELECT 1 FROM json_each(c.tags) t WHERE t.value = ?)
		ORDER BY c.rowid`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := []string{}
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// AllEmails iterates over emails of every client that has one. Rows are
// read from an open cursor, so the directory is never held in memory.
func (r *ClientRepository) AllEmails(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rows, err := r.db.QueryContext(ctx, `
			SELECT email FROM clients
			WHERE email IS NOT NULL AND TRIM(email) != ''
			ORDER BY rowid`)
		if err != nil {
			yield("", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var email string
			if err := rows.Scan(&email); err != nil {
				yield("", err)
				return
			}
			if !yield(email, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", err)
		}
	}
}
