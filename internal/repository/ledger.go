package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/crmdispatch/internal/models"
	"github.com/google/uuid"
)

// LedgerRepository stores per-recipient delivery rows of campaigns
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// InsertBatch adds pending rows for emails in one transaction. Emails
// already present for the campaign are ignored; the count of rows actually
// inserted is returned.
func (r *LedgerRepository) InsertBatch(ctx context.Context, campaignID string, emails []string) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO campaign_recipients (id, campaign_id, email, status, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, email := range emails {
		res, err := stmt.ExecContext(ctx, uuid.New().String(), campaignID, email, models.RecipientPending, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert recipient %s: %w", email, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// PendingSlice returns up to limit pending rows in insertion order
func (r *LedgerRepository) PendingSlice(ctx context.Context, campaignID string, limit int) ([]models.LedgerRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, email, status, error, sent_at, created_at
		FROM campaign_recipients
		WHERE campaign_id = ? AND status = ?
		ORDER BY seq
		LIMIT ?`, campaignID, models.RecipientPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerRows(rows)
}

// CountPending returns the number of pending rows of one campaign
func (r *LedgerRepository) CountPending(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = ? AND status = ?`,
		campaignID, models.RecipientPending).Scan(&n)
	return n, err
}

// PendingTotal returns pending rows across all sending campaigns
func (r *LedgerRepository) PendingTotal(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_recipients r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE r.status = ? AND c.status = ?`,
		models.RecipientPending, models.CampaignSending).Scan(&n)
	return n, err
}

// List returns ledger rows of a campaign in insertion order
func (r *LedgerRepository) List(ctx context.Context, filter models.LedgerFilter) ([]models.LedgerRow, int, error) {
	where := " WHERE campaign_id = ?"
	args := []any{filter.CampaignID}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaign_recipients"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, campaign_id, email, status, error, sent_at, created_at
		FROM campaign_recipients` + where + " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items, err := scanLedgerRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// MarkSent settles a pending row as delivered and counts it on the
// campaign. It reports false when the row was not pending anymore.
func (r *LedgerRepository) MarkSent(ctx context.Context, row models.LedgerRow, now time.Time) (bool, error) {
	return r.settle(ctx, row, models.RecipientSent, "", now)
}

// MarkFailed settles a pending row as failed, counts it and records the
// error on the campaign.
func (r *LedgerRepository) MarkFailed(ctx context.Context, row models.LedgerRow, reason string) (bool, error) {
	return r.settle(ctx, row, models.RecipientFailed, reason, time.Time{})
}

func (r *LedgerRepository) settle(ctx context.Context, row models.LedgerRow, status models.RecipientStatus, reason string, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var sentAt any
	var errText any
	if status == models.RecipientSent {
		sentAt = now.UTC()
	} else {
		errText = reason
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = ?, error = ?, sent_at = ?
		WHERE id = ? AND status = ?`,
		status, errText, sentAt, row.ID, models.RecipientPending)
	if err != nil {
		return false, fmt.Errorf("failed to update recipient: %w", err)
	}
	ok, err := affected(res)
	if err != nil || !ok {
		return false, err
	}

	counter := "stats_sent"
	if status == models.RecipientFailed {
		counter = "stats_failed"
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_errors (campaign_id, recipient, error, created_at) VALUES (?, ?, ?, ?)`,
			row.CampaignID, row.Email, reason, time.Now().UTC()); err != nil {
			return false, fmt.Errorf("failed to record campaign error: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE campaigns SET "+counter+" = "+counter+" + 1 WHERE id = ?", row.CampaignID); err != nil {
		return false, fmt.Errorf("failed to update campaign stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func scanLedgerRows(rows *sql.Rows) ([]models.LedgerRow, error) {
	items := []models.LedgerRow{}
	for rows.Next() {
		var item models.LedgerRow
		var errText sql.NullString
		var sentAt sql.NullTime

		if err := rows.Scan(&item.ID, &item.CampaignID, &item.Email, &item.Status, &errText, &sentAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Error = errText.String
		if sentAt.Valid {
			item.SentAt = &sentAt.Time
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
