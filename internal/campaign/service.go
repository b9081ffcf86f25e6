package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/crmdispatch/internal/models"
)

const (
	maxNameLength    = 200
	maxSubjectLength = 500

	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Store is the campaign record persistence used by the lifecycle
type Store interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, int, error)
	UpdateDraft(ctx context.Context, c *models.Campaign) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	BeginEnqueue(ctx context.Context, id string) (bool, error)
	AbortEnqueue(ctx context.Context, id string) error
	FinishEnqueue(ctx context.Context, id string, total int) (bool, error)
	Fail(ctx context.Context, id string) (bool, error)
	ListInterrupted(ctx context.Context) ([]string, error)
}

// Ledger is the recipient ledger as seen by the lifecycle
type Ledger interface {
	LedgerWriter
	List(ctx context.Context, filter models.LedgerFilter) ([]models.LedgerRow, int, error)
}

// Templates resolves template references
type Templates interface {
	GetByID(ctx context.Context, id string) (*models.Template, error)
}

// Scheduler is armed after a campaign starts sending
type Scheduler interface {
	Start() bool
}

// ServiceConfig wires the lifecycle service
type ServiceConfig struct {
	Campaigns Store
	Ledger    Ledger
	Templates Templates
	Directory Directory
	Scheduler Scheduler

	EnqueueBatchSize int

	// Used for the send confirmation message only
	MaxRowsPerBatch  int
	MinBatchInterval time.Duration
}

// Service implements the campaign lifecycle: drafts, send trigger, abort
type Service struct {
	campaigns Store
	ledger    Ledger
	templates Templates
	directory Directory
	scheduler Scheduler
	enqueuer  *Enqueuer

	maxRows  int
	interval time.Duration
	logger   *slog.Logger
}

func NewService(cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		campaigns: cfg.Campaigns,
		ledger:    cfg.Ledger,
		templates: cfg.Templates,
		directory: cfg.Directory,
		scheduler: cfg.Scheduler,
		enqueuer:  NewEnqueuer(cfg.Ledger, cfg.EnqueueBatchSize),
		maxRows:   cfg.MaxRowsPerBatch,
		interval:  cfg.MinBatchInterval,
		logger:    logger.With("component", "campaign"),
	}
}

// Draft is the input of CreateDraft
type Draft struct {
	Name       string        `json:"name"`
	TemplateID string        `json:"template_id"`
	Subject    string        `json:"subject"`
	Policy     models.Policy `json:"policy"`
}

// Changes is a partial update of a draft. Nil fields are left as is.
type Changes struct {
	Name       *string        `json:"name,omitempty"`
	TemplateID *string        `json:"template_id,omitempty"`
	Subject    *string        `json:"subject,omitempty"`
	Policy     *models.Policy `json:"policy,omitempty"`
}

// SendResult is returned by BeginSend
type SendResult struct {
	Campaign *models.Campaign `json:"campaign"`
	Enqueued int              `json:"enqueued"`
	Message  string           `json:"message"`
}

// Page is one page of a listing
type Page[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// ListParams selects a page of campaigns
type ListParams struct {
	Search string
	Status models.CampaignStatus
	Page   int
	Limit  int
}

// CreateDraft validates input and stores a new draft campaign
func (s *Service) CreateDraft(ctx context.Context, d Draft) (*models.Campaign, error) {
	c := &models.Campaign{
		Name:       strings.TrimSpace(d.Name),
		TemplateID: strings.TrimSpace(d.TemplateID),
		Subject:    strings.TrimSpace(d.Subject),
		Policy:     normalizePolicy(d.Policy),
	}

	if err := s.validate(ctx, c); err != nil {
		return nil, err
	}
	c.Stats.Total = estimatedTotal(c.Policy)

	if err := s.campaigns.Create(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "policy", c.Policy.Kind)
	return c, nil
}

// UpdateDraft applies changes to a draft campaign
func (s *Service) UpdateDraft(ctx context.Context, id string, ch Changes) (*models.Campaign, error) {
	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignDraft || c.Enqueuing {
		return nil, invalidState("update", c)
	}

	if ch.Name != nil {
		c.Name = strings.TrimSpace(*ch.Name)
	}
	if ch.TemplateID != nil {
		c.TemplateID = strings.TrimSpace(*ch.TemplateID)
	}
	if ch.Subject != nil {
		c.Subject = strings.TrimSpace(*ch.Subject)
	}
	if ch.Policy != nil {
		c.Policy = normalizePolicy(*ch.Policy)
		c.Stats = models.Stats{Total: estimatedTotal(c.Policy), Errors: []models.RecipientError{}}
	}

	if err := s.validate(ctx, c); err != nil {
		return nil, err
	}

	ok, err := s.campaigns.UpdateDraft(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.lostRace(ctx, "update", id)
	}

	return c, nil
}

// Delete removes a draft or failed campaign and its ledger
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if (c.Status != models.CampaignDraft && c.Status != models.CampaignFailed) || c.Enqueuing {
		return invalidState("delete", c)
	}

	ok, err := s.campaigns.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return s.lostRace(ctx, "delete", id)
	}

	s.logger.Info("campaign deleted", "campaign_id", id)
	return nil
}

// BeginSend expands the policy into the ledger, flips the campaign to
// sending and arms the scheduler. Concurrent calls for one campaign enqueue
// at most once; losers get an InvalidStateError.
func (s *Service) BeginSend(ctx context.Context, id string) (*SendResult, error) {
	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignDraft || c.Enqueuing {
		return nil, invalidState("send", c)
	}

	ok, err := s.campaigns.BeginEnqueue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock campaign: %w", err)
	}
	if !ok {
		return nil, s.lostRace(ctx, "send", id)
	}

	n, err := s.enqueue(ctx, c)
	if err != nil {
		if abortErr := s.campaigns.AbortEnqueue(context.WithoutCancel(ctx), id); abortErr != nil {
			s.logger.Error("failed to roll back enqueue", "campaign_id", id, "error", abortErr)
		}
		return nil, err
	}

	ok, err = s.campaigns.FinishEnqueue(ctx, id, n)
	if err != nil || !ok {
		if abortErr := s.campaigns.AbortEnqueue(context.WithoutCancel(ctx), id); abortErr != nil {
			s.logger.Error("failed to roll back enqueue", "campaign_id", id, "error", abortErr)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to start sending: %w", err)
		}
		return nil, s.lostRace(ctx, "send", id)
	}

	if s.scheduler != nil {
		s.scheduler.Start()
	}

	c, err = s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("campaign enqueued", "campaign_id", id, "recipients", n)

	return &SendResult{
		Campaign: c,
		Enqueued: n,
		Message: fmt.Sprintf("campaign enqueued for sending, at most %d emails per %s",
			s.maxRows, shortDuration(s.interval)),
	}, nil
}

func (s *Service) enqueue(ctx context.Context, c *models.Campaign) (int, error) {
	tpl, err := s.templates.GetByID(ctx, c.TemplateID)
	if err != nil {
		return 0, fmt.Errorf("failed to load template: %w", err)
	}
	if tpl == nil {
		return 0, &DependencyError{Message: "template not found"}
	}
	if !tpl.HasRenderableBody() {
		return 0, &DependencyError{Message: "template has no renderable body"}
	}

	n, err := s.enqueuer.Enqueue(ctx, c.ID, Resolve(ctx, s.directory, c.Policy))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, &DependencyError{Message: "no recipients found for this campaign"}
	}
	return n, nil
}

// Fail aborts a sending campaign. Pending rows stay pending but are no
// longer dispatched.
func (s *Service) Fail(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignSending {
		return nil, invalidState("fail", c)
	}

	ok, err := s.campaigns.Fail(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.lostRace(ctx, "fail", id)
	}

	s.logger.Warn("campaign marked failed", "campaign_id", id)
	return s.get(ctx, id)
}

// Get returns a campaign with live statistics
func (s *Service) Get(ctx context.Context, id string) (*models.Campaign, error) {
	return s.get(ctx, id)
}

// List returns a page of campaigns, newest first
func (s *Service) List(ctx context.Context, p ListParams) (*Page[models.Campaign], error) {
	page, limit := pageBounds(p.Page, p.Limit)

	items, total, err := s.campaigns.List(ctx, models.CampaignListFilter{
		Search: strings.TrimSpace(p.Search),
		Status: p.Status,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}
	return newPage(items, page, limit, total), nil
}

// Recipients returns a page of a campaign's ledger in creation order
func (s *Service) Recipients(ctx context.Context, id string, status models.RecipientStatus, page, limit int) (*Page[models.LedgerRow], error) {
	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}
	page, limit = pageBounds(page, limit)

	items, total, err := s.ledger.List(ctx, models.LedgerFilter{
		CampaignID: id,
		Status:     status,
		Limit:      limit,
		Offset:     (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}
	return newPage(items, page, limit, total), nil
}

// RecoverInterrupted rolls back sends whose expansion was cut short by a
// restart, leaving those campaigns as plain drafts.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	ids, err := s.campaigns.ListInterrupted(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list interrupted campaigns: %w", err)
	}

	for _, id := range ids {
		if err := s.campaigns.AbortEnqueue(ctx, id); err != nil {
			return 0, fmt.Errorf("failed to recover campaign %s: %w", id, err)
		}
		s.logger.Warn("rolled back interrupted send", "campaign_id", id)
	}
	return len(ids), nil
}

func (s *Service) get(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// lostRace builds the error for a conditional write that matched nothing
func (s *Service) lostRace(ctx context.Context, op, id string) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	return invalidState(op, c)
}

func (s *Service) validate(ctx context.Context, c *models.Campaign) error {
	if c.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len([]rune(c.Name)) > maxNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("name must be at most %d characters", maxNameLength)}
	}
	if c.Subject == "" {
		return &ValidationError{Field: "subject", Message: "subject is required"}
	}
	if len([]rune(c.Subject)) > maxSubjectLength {
		return &ValidationError{Field: "subject", Message: fmt.Sprintf("subject must be at most %d characters", maxSubjectLength)}
	}
	if c.TemplateID == "" {
		return &ValidationError{Field: "template_id", Message: "template is required"}
	}

	tpl, err := s.templates.GetByID(ctx, c.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}
	if tpl == nil {
		return &ValidationError{Field: "template_id", Message: "template not found"}
	}

	if err := validatePolicy(c.Policy); err != nil {
		return err
	}
	if c.Policy.Kind == models.PolicyClients && s.directory != nil {
		ok, err := s.directory.GroupExists(ctx, c.Policy.Group)
		if err != nil {
			return fmt.Errorf("failed to look up client group: %w", err)
		}
		if !ok {
			return &ValidationError{Field: "policy", Message: fmt.Sprintf("client group %q not found", c.Policy.Group)}
		}
	}
	return nil
}

func normalizePolicy(p models.Policy) models.Policy {
	out := models.Policy{Kind: p.Kind}
	switch p.Kind {
	case models.PolicyManual:
		out.Recipients = uniqueEmails(p.Recipients)
	case models.PolicyClients:
		out.Group = strings.TrimSpace(p.Group)
	}
	return out
}

func pageBounds(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

func newPage[T any](items []T, page, limit, total int) *Page[T] {
	pages := (total + limit - 1) / limit
	return &Page[T]{Items: items, Page: page, Limit: limit, Total: total, Pages: pages}
}

// shortDuration renders 1h0m0s as 1h and 30m0s as 30m
func shortDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
