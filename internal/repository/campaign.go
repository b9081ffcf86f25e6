package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/crmdispatch/internal/models"
	"github.com/google/uuid"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, name, template_id, subject, policy, status, enqueuing,
	stats_total, stats_sent, stats_failed, last_batch_sent_at, sent_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s rowScanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var policy string
	var lastBatch, sentAt sql.NullTime

	err := s.Scan(&c.ID, &c.Name, &c.TemplateID, &c.Subject, &policy, &c.Status, &c.Enqueuing,
		&c.Stats.Total, &c.Stats.Sent, &c.Stats.Failed, &lastBatch, &sentAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(policy), &c.Policy); err != nil {
		return nil, fmt.Errorf("failed to decode policy of campaign %s: %w", c.ID, err)
	}
	if lastBatch.Valid {
		c.LastBatchSentAt = &lastBatch.Time
	}
	if sentAt.Valid {
		c.SentAt = &sentAt.Time
	}
	c.Stats.Errors = []models.RecipientError{}

	return c, nil
}

// Create inserts a new draft campaign
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	policy, err := json.Marshal(c.Policy)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}

	c.ID = uuid.New().String()
	c.Status = models.CampaignDraft
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	if c.Stats.Errors == nil {
		c.Stats.Errors = []models.RecipientError{}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, template_id, subject, policy, status, stats_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.TemplateID, c.Subject, string(policy), c.Status, c.Stats.Total, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign with its recorded delivery errors, or nil
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT recipient, error FROM campaign_errors WHERE campaign_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e models.RecipientError
		if err := rows.Scan(&e.Recipient, &e.Error); err != nil {
			return nil, err
		}
		c.Stats.Errors = append(c.Stats.Errors, e)
	}

	return c, rows.Err()
}

// List returns campaigns newest first with optional filtering
func (r *CampaignRepository) List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Search != "" {
		where += " AND (name LIKE ? OR subject LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + campaignColumns + " FROM campaigns" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	campaigns, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// ListSending returns every campaign currently draining its ledger
func (r *CampaignRepository) ListSending(ctx context.Context) ([]models.Campaign, error) {
	return r.query(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE status = ? ORDER BY created_at",
		models.CampaignSending)
}

// ListInterrupted returns ids of drafts whose policy expansion never finished
func (r *CampaignRepository) ListInterrupted(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM campaigns WHERE status = ? AND enqueuing = 1", models.CampaignDraft)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *CampaignRepository) query(ctx context.Context, query string, args ...any) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// UpdateDraft stores editable fields. It reports false when the campaign is
// no longer an idle draft.
func (r *CampaignRepository) UpdateDraft(ctx context.Context, c *models.Campaign) (bool, error) {
	policy, err := json.Marshal(c.Policy)
	if err != nil {
		return false, fmt.Errorf("failed to encode policy: %w", err)
	}

	c.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET name = ?, template_id = ?, subject = ?, policy = ?, stats_total = ?, updated_at = ?
		WHERE id = ? AND status = ? AND enqueuing = 0`,
		c.Name, c.TemplateID, c.Subject, string(policy), c.Stats.Total, c.UpdatedAt,
		c.ID, models.CampaignDraft,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign: %w", err)
	}
	return affected(res)
}

// Delete removes a draft or failed campaign together with its ledger
func (r *CampaignRepository) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM campaigns WHERE id = ? AND status IN (?, ?) AND enqueuing = 0`,
		id, models.CampaignDraft, models.CampaignFailed)
	if err != nil {
		return false, fmt.Errorf("failed to delete campaign: %w", err)
	}
	ok, err := affected(res)
	if err != nil || !ok {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM campaign_recipients WHERE campaign_id = ?", id); err != nil {
		return false, fmt.Errorf("failed to delete campaign recipients: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM campaign_errors WHERE campaign_id = ?", id); err != nil {
		return false, fmt.Errorf("failed to delete campaign errors: %w", err)
	}

	return true, tx.Commit()
}

// BeginEnqueue marks an idle draft as expanding. Only one caller wins.
func (r *CampaignRepository) BeginEnqueue(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET enqueuing = 1, updated_at = ?
		WHERE id = ? AND status = ? AND enqueuing = 0`,
		time.Now().UTC(), id, models.CampaignDraft)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// AbortEnqueue drops any rows written by an unfinished expansion and
// returns the campaign to an idle draft.
func (r *CampaignRepository) AbortEnqueue(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM campaign_recipients WHERE campaign_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete campaign recipients: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET enqueuing = 0, updated_at = ?
		WHERE id = ? AND status = ?`,
		time.Now().UTC(), id, models.CampaignDraft); err != nil {
		return err
	}

	return tx.Commit()
}

// FinishEnqueue flips an expanding draft to sending with a fixed total
func (r *CampaignRepository) FinishEnqueue(ctx context.Context, id string, total int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, enqueuing = 0, stats_total = ?, stats_sent = 0, stats_failed = 0,
			last_batch_sent_at = NULL, sent_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND enqueuing = 1`,
		models.CampaignSending, total, time.Now().UTC(), id, models.CampaignDraft)
	if err != nil {
		return false, err
	}
	ok, err := affected(res)
	if err != nil || !ok {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM campaign_errors WHERE campaign_id = ?", id); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// Claim reserves the campaign for one batch if it is still sending and its
// last batch is not newer than cutoff. The check and the stamp are a single
// statement, so overlapping ticks cannot both win.
func (r *CampaignRepository) Claim(ctx context.Context, id string, now, cutoff time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET last_batch_sent_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND (last_batch_sent_at IS NULL OR last_batch_sent_at <= ?)`,
		now.UTC(), now.UTC(), id, models.CampaignSending, cutoff.UTC())
	if err != nil {
		return false, err
	}
	return affected(res)
}

// FinishBatch stamps the end of a processed batch
func (r *CampaignRepository) FinishBatch(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET last_batch_sent_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now.UTC(), now.UTC(), id, models.CampaignSending)
	return err
}

// Complete marks a sending campaign as sent once no pending rows remain
func (r *CampaignRepository) Complete(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, sent_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
			AND NOT EXISTS (SELECT 1 FROM campaign_recipients WHERE campaign_id = ? AND status = ?)`,
		models.CampaignSent, now.UTC(), now.UTC(), id, models.CampaignSending, id, models.RecipientPending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// Fail moves a sending campaign to failed, removing it from dispatch
func (r *CampaignRepository) Fail(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.CampaignFailed, time.Now().UTC(), id, models.CampaignSending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
