package campaign

import (
	"context"
	"fmt"
	"iter"
)

// DefaultEnqueueBatchSize is the number of ledger rows written per insert
const DefaultEnqueueBatchSize = 500

// LedgerWriter persists pending ledger rows
type LedgerWriter interface {
	InsertBatch(ctx context.Context, campaignID string, emails []string) (int, error)
}

// Enqueuer writes a resolved address sequence into the ledger in bounded
// batches. It never sends anything.
type Enqueuer struct {
	ledger    LedgerWriter
	batchSize int
}

func NewEnqueuer(ledger LedgerWriter, batchSize int) *Enqueuer {
	if batchSize <= 0 {
		batchSize = DefaultEnqueueBatchSize
	}
	return &Enqueuer{ledger: ledger, batchSize: batchSize}
}

// Enqueue inserts one pending row per unique address and returns the number
// of rows written.
func (e *Enqueuer) Enqueue(ctx context.Context, campaignID string, addrs iter.Seq2[string, error]) (int, error) {
	total := 0
	batch := make([]string, 0, e.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := e.ledger.InsertBatch(ctx, campaignID, batch)
		if err != nil {
			return fmt.Errorf("failed to insert recipients: %w", err)
		}
		total += n
		batch = batch[:0]
		return nil
	}

	for email, err := range addrs {
		if err != nil {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch = append(batch, email)
		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}

	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}
