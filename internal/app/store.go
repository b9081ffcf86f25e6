package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/crmdispatch/internal/campaign"
	"github.com/foxzi/crmdispatch/internal/config"
	"github.com/foxzi/crmdispatch/internal/db"
	"github.com/foxzi/crmdispatch/internal/repository"
)

// Store is the SQLite side of the application: campaign records, the
// recipient ledger, templates and the client directory.
type Store struct {
	DB        *db.DB
	Campaigns *repository.CampaignRepository
	Ledger    *repository.LedgerRepository
	Templates *repository.TemplateRepository
	Clients   *repository.ClientRepository
}

// OpenStore opens and migrates the database at cfg.Storage.Path
func OpenStore(cfg *config.Config) (*Store, error) {
	d, err := db.New(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, err
	}

	return &Store{
		DB:        d,
		Campaigns: repository.NewCampaignRepository(d.DB),
		Ledger:    repository.NewLedgerRepository(d.DB),
		Templates: repository.NewTemplateRepository(d.DB),
		Clients:   repository.NewClientRepository(d.DB),
	}, nil
}

// Service returns a lifecycle service over the store. sched may be nil for
// read-only use.
func (s *Store) Service(cfg *config.Config, sched campaign.Scheduler, logger *slog.Logger) *campaign.Service {
	return campaign.NewService(campaign.ServiceConfig{
		Campaigns:        s.Campaigns,
		Ledger:           s.Ledger,
		Templates:        s.Templates,
		Directory:        s.Clients,
		Scheduler:        sched,
		EnqueueBatchSize: cfg.Dispatch.EnqueueBatchSize,
		MaxRowsPerBatch:  cfg.Dispatch.MaxRowsPerBatch,
		MinBatchInterval: cfg.Dispatch.MinBatchInterval,
	}, logger)
}

// Close closes the database
func (s *Store) Close() error {
	return s.DB.Close()
}

// OpenState opens the bbolt file holding quota counters and sandbox mail.
// Only one process can hold it at a time.
func OpenState(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	state, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", path, err)
	}
	return state, nil
}
