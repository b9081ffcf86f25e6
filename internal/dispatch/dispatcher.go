package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/crmdispatch/internal/delivery"
	"github.com/foxzi/crmdispatch/internal/metrics"
	"github.com/foxzi/crmdispatch/internal/models"
)

// MissingTemplateReason is recorded for rows of a campaign whose template
// is gone or has no body.
const MissingTemplateReason = "campaign or template not found"

// Campaigns is the campaign record store used by the dispatcher
type Campaigns interface {
	ListSending(ctx context.Context) ([]models.Campaign, error)
	Claim(ctx context.Context, id string, now, cutoff time.Time) (bool, error)
	FinishBatch(ctx context.Context, id string, now time.Time) error
	Complete(ctx context.Context, id string, now time.Time) (bool, error)
}

// Ledger is the recipient ledger used by the dispatcher
type Ledger interface {
	PendingSlice(ctx context.Context, campaignID string, limit int) ([]models.LedgerRow, error)
	CountPending(ctx context.Context, campaignID string) (int, error)
	PendingTotal(ctx context.Context) (int, error)
	MarkSent(ctx context.Context, row models.LedgerRow, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, row models.LedgerRow, reason string) (bool, error)
}

// Templates resolves the rendered template of a campaign
type Templates interface {
	GetByID(ctx context.Context, id string) (*models.Template, error)
}

// Quota is the relay-wide allowance shared by all campaigns
type Quota interface {
	Remaining() int
	Allow() (bool, error)
}

// Config holds dispatcher limits
type Config struct {
	MaxRowsPerBatch  int
	MinBatchInterval time.Duration
	SendTimeout      time.Duration
	Concurrency      int
}

// TickResult summarizes one tick
type TickResult struct {
	Campaigns int
	Batches   int
	Sent      int
	Failed    int
	Completed int
	// Pending is the number of pending rows left across sending campaigns
	Pending int
}

// Dispatcher drains rate limited batches of pending ledger rows
type Dispatcher struct {
	campaigns Campaigns
	ledger    Ledger
	templates Templates
	gateway   delivery.Gateway
	quota     Quota
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. quota may be nil for no relay-wide limit.
func NewDispatcher(campaigns Campaigns, ledger Ledger, templates Templates, gateway delivery.Gateway, quota Quota, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxRowsPerBatch <= 0 {
		cfg.MaxRowsPerBatch = 380
	}
	if cfg.MinBatchInterval < 0 {
		cfg.MinBatchInterval = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	return &Dispatcher{
		campaigns: campaigns,
		ledger:    ledger,
		templates: templates,
		gateway:   gateway,
		quota:     quota,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "dispatcher"),
	}
}

// RunTick processes one batch for every eligible sending campaign. An error
// means the store failed and the rest of the tick was abandoned.
func (d *Dispatcher) RunTick(ctx context.Context) (*TickResult, error) {
	start := time.Now()
	res := &TickResult{}

	err := d.runTick(ctx, res)
	if err != nil {
		metrics.ObserveTick("error", time.Since(start).Seconds())
		d.logger.Error("tick abandoned", "error", err)
		return res, err
	}

	metrics.ObserveTick("ok", time.Since(start).Seconds())
	metrics.SetPendingRecipients(res.Pending)

	if res.Batches > 0 || res.Completed > 0 {
		d.logger.Info("tick finished",
			"campaigns", res.Campaigns,
			"batches", res.Batches,
			"sent", res.Sent,
			"failed", res.Failed,
			"completed", res.Completed,
			"pending", res.Pending,
			"duration", time.Since(start),
		)
	}

	return res, nil
}

func (d *Dispatcher) runTick(ctx context.Context, res *TickResult) error {
	campaigns, err := d.campaigns.ListSending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sending campaigns: %w", err)
	}
	res.Campaigns = len(campaigns)

	for i := range campaigns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.runCampaign(ctx, &campaigns[i], res); err != nil {
			return fmt.Errorf("campaign %s: %w", campaigns[i].ID, err)
		}
	}

	pending, err := d.ledger.PendingTotal(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending recipients: %w", err)
	}
	res.Pending = pending

	return nil
}

func (d *Dispatcher) runCampaign(ctx context.Context, c *models.Campaign, res *TickResult) error {
	logger := d.logger.With("campaign_id", c.ID)
	now := d.now()

	if c.LastBatchSentAt != nil && now.Sub(*c.LastBatchSentAt) < d.cfg.MinBatchInterval {
		logger.Debug("campaign not eligible yet", "last_batch_sent_at", c.LastBatchSentAt)
		return nil
	}

	limit := d.cfg.MaxRowsPerBatch
	if d.quota != nil {
		remaining := d.quota.Remaining()
		if remaining <= 0 {
			left, err := d.ledger.CountPending(ctx, c.ID)
			if err != nil {
				return fmt.Errorf("failed to count pending rows: %w", err)
			}
			if left == 0 {
				return d.complete(ctx, c.ID, res, logger)
			}
			metrics.IncQuotaExhausted()
			logger.Info("relay quota exhausted, batch postponed", "pending", left)
			return nil
		}
		limit = min(limit, remaining)
	}

	rows, err := d.ledger.PendingSlice(ctx, c.ID, limit)
	if err != nil {
		return fmt.Errorf("failed to read pending slice: %w", err)
	}
	if len(rows) == 0 {
		return d.complete(ctx, c.ID, res, logger)
	}

	tmpl, err := d.templates.GetByID(ctx, c.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}

	claimed, err := d.campaigns.Claim(ctx, c.ID, now, now.Add(-d.cfg.MinBatchInterval))
	if err != nil {
		return fmt.Errorf("failed to claim campaign: %w", err)
	}
	if !claimed {
		logger.Debug("campaign claimed elsewhere")
		return nil
	}

	b := &batch{
		dispatcher: d,
		campaign:   c,
		template:   tmpl,
		logger:     logger,
	}
	batchErr := b.run(ctx, rows)

	if err := d.campaigns.FinishBatch(ctx, c.ID, d.now()); err != nil && batchErr == nil {
		batchErr = fmt.Errorf("failed to stamp batch: %w", err)
	}

	res.Batches++
	res.Sent += int(b.sent.Load())
	res.Failed += int(b.failed.Load())
	metrics.IncBatches()

	logger.Info("batch dispatched",
		"rows", len(rows),
		"sent", b.sent.Load(),
		"failed", b.failed.Load(),
		"quota_stopped", b.quotaStopped.Load(),
	)

	if batchErr != nil {
		return batchErr
	}

	left, err := d.ledger.CountPending(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to count pending rows: %w", err)
	}
	if left == 0 {
		return d.complete(ctx, c.ID, res, logger)
	}
	return nil
}

func (d *Dispatcher) complete(ctx context.Context, id string, res *TickResult, logger *slog.Logger) error {
	done, err := d.campaigns.Complete(ctx, id, d.now())
	if err != nil {
		return fmt.Errorf("failed to complete campaign: %w", err)
	}
	if done {
		res.Completed++
		logger.Info("campaign sent")
	}
	return nil
}

// batch is one claimed slice of a campaign
type batch struct {
	dispatcher *Dispatcher
	campaign   *models.Campaign
	template   *models.Template
	logger     *slog.Logger

	sent         atomic.Int64
	failed       atomic.Int64
	quotaStopped atomic.Bool
	stopped      atomic.Bool

	errOnce sync.Once
	err     error
}

func (b *batch) run(ctx context.Context, rows []models.LedgerRow) error {
	sem := make(chan struct{}, b.dispatcher.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, row := range rows {
		sem <- struct{}{}
		if b.stopped.Load() || ctx.Err() != nil {
			<-sem
			break
		}

		wg.Add(1)
		go func(row models.LedgerRow) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := b.process(ctx, row); err != nil {
				b.fail(err)
			}
		}(row)
	}

	wg.Wait()
	return b.err
}

func (b *batch) fail(err error) {
	b.errOnce.Do(func() { b.err = err })
	b.stopped.Store(true)
}

func (b *batch) process(ctx context.Context, row models.LedgerRow) error {
	d := b.dispatcher
	logger := b.logger.With("row_id", row.ID, "email", row.Email)

	var outcome delivery.Outcome
	reason := ""

	switch {
	case !b.template.HasRenderableBody():
		outcome = delivery.Failure(MissingTemplateReason, false)
		reason = "missing_template"
	case !d.gateway.Available():
		outcome = delivery.Failure(delivery.UnavailableReason, false)
		reason = "unavailable"
	default:
		if d.quota != nil {
			ok, err := d.quota.Allow()
			if err != nil {
				return fmt.Errorf("failed to record quota: %w", err)
			}
			if !ok {
				// row stays pending for a later batch
				b.quotaStopped.Store(true)
				b.stopped.Store(true)
				metrics.IncQuotaExhausted()
				return nil
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		outcome = d.gateway.Send(sendCtx, delivery.Message{
			To:      row.Email,
			Subject: b.campaign.Subject,
			HTML:    b.template.HTML,
		})
		cancel()

		reason = "permanent"
		if outcome.Temporary {
			reason = "temporary"
		}
	}

	// the outcome is recorded even if the tick is being cancelled
	settleCtx := context.WithoutCancel(ctx)

	if outcome.OK {
		settled, err := d.ledger.MarkSent(settleCtx, row, d.now())
		if err != nil {
			return fmt.Errorf("failed to mark row sent: %w", err)
		}
		if settled {
			b.sent.Add(1)
			metrics.IncMessagesSent()
		}
		logger.Debug("message sent", "message_id", outcome.MessageID)
		return nil
	}

	settled, err := d.ledger.MarkFailed(settleCtx, row, outcome.Error)
	if err != nil {
		return fmt.Errorf("failed to mark row failed: %w", err)
	}
	if settled {
		b.failed.Add(1)
		metrics.IncMessagesFailed(reason)
	}
	logger.Debug("message failed", "error", outcome.Error, "temporary", outcome.Temporary)
	return nil
}
