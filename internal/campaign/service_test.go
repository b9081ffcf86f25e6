package campaign

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxzi/crmdispatch/internal/db"
	"github.com/foxzi/crmdispatch/internal/models"
	"github.com/foxzi/crmdispatch/internal/repository"
	"github.com/google/go-cmp/cmp"
)

type mockScheduler struct {
	starts atomic.Int32
}

func (m *mockScheduler) Start() bool {
	return m.starts.Add(1) == 1
}

type testEnv struct {
	svc       *Service
	campaigns *repository.CampaignRepository
	ledger    *repository.LedgerRepository
	templates *repository.TemplateRepository
	clients   *repository.ClientRepository
	scheduler *mockScheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	d, err := db.New(filepath.Join(t.TempDir(), "crm.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	env := &testEnv{
		campaigns: repository.NewCampaignRepository(d.DB),
		ledger:    repository.NewLedgerRepository(d.DB),
		templates: repository.NewTemplateRepository(d.DB),
		clients:   repository.NewClientRepository(d.DB),
		scheduler: &mockScheduler{},
	}

	ctx := context.Background()
	for _, tpl := range []models.Template{
		{ID: "welcome", Name: "Welcome", Subject: "Welcome", HTML: "<h1>Hi</h1>"},
		{ID: "blank", Name: "Blank", Subject: "Blank", HTML: "   "},
	} {
		if err := env.templates.Create(ctx, &tpl); err != nil {
			t.Fatalf("failed to create template: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.svc = NewService(ServiceConfig{
		Campaigns:        env.campaigns,
		Ledger:           env.ledger,
		Templates:        env.templates,
		Directory:        env.clients,
		Scheduler:        env.scheduler,
		EnqueueBatchSize: 2,
		MaxRowsPerBatch:  380,
		MinBatchInterval: time.Hour,
	}, logger)

	return env
}

func manualDraft(addrs ...string) Draft {
	return Draft{
		Name:       "Spring sale",
		TemplateID: "welcome",
		Subject:    "Spring sale",
		Policy:     models.Policy{Kind: models.PolicyManual, Recipients: addrs},
	}
}

func ledgerEmails(t *testing.T, env *testEnv, id string) []string {
	t.Helper()
	rows, _, err := env.ledger.List(context.Background(), models.LedgerFilter{CampaignID: id})
	if err != nil {
		t.Fatalf("ledger List() error = %v", err)
	}
	emails := []string{}
	for _, r := range rows {
		emails = append(emails, r.Email)
	}
	return emails
}

func TestService_CreateDraftValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name  string
		draft Draft
		field string
	}{
		{"missing name", Draft{TemplateID: "welcome", Subject: "s", Policy: models.Policy{Kind: models.PolicyAllClients}}, "name"},
		{"long name", Draft{Name: string(long), TemplateID: "welcome", Subject: "s", Policy: models.Policy{Kind: models.PolicyAllClients}}, "name"},
		{"empty subject", Draft{Name: "n", TemplateID: "welcome", Subject: "  ", Policy: models.Policy{Kind: models.PolicyAllClients}}, "subject"},
		{"unknown template", Draft{Name: "n", TemplateID: "missing", Subject: "s", Policy: models.Policy{Kind: models.PolicyAllClients}}, "template_id"},
		{"empty manual list", manualDraft(" ", ""), "policy"},
		{"invalid address", manualDraft("not-an-email"), "policy"},
		{"group without name", Draft{Name: "n", TemplateID: "welcome", Subject: "s", Policy: models.Policy{Kind: models.PolicyClients}}, "policy"},
		{"unknown group", Draft{Name: "n", TemplateID: "welcome", Subject: "s", Policy: models.Policy{Kind: models.PolicyClients, Group: "nobody"}}, "policy"},
		{"unknown policy", Draft{Name: "n", TemplateID: "welcome", Subject: "s", Policy: models.Policy{Kind: "everyone"}}, "policy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateDraft(ctx, tt.draft)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("CreateDraft() error = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %s, want %s", verr.Field, tt.field)
			}
		})
	}

	list, err := env.svc.List(ctx, ListParams{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if list.Total != 0 {
		t.Errorf("rejected drafts were stored: %d", list.Total)
	}
}

func TestService_BeginSendDedupesExplicitList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.CreateDraft(ctx, manualDraft("a@x.com", "A@x.com", " b@x.com "))
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}
	if c.Stats.Total != 2 {
		t.Errorf("draft total = %d, want 2", c.Stats.Total)
	}

	res, err := env.svc.BeginSend(ctx, c.ID)
	if err != nil {
		t.Fatalf("BeginSend() error = %v", err)
	}
	if res.Enqueued != 2 {
		t.Errorf("Enqueued = %d, want 2", res.Enqueued)
	}
	if res.Campaign.Status != models.CampaignSending {
		t.Errorf("Status = %s, want sending", res.Campaign.Status)
	}
	if res.Campaign.Stats.Total != 2 {
		t.Errorf("Stats.Total = %d, want 2", res.Campaign.Stats.Total)
	}
	if res.Message != "campaign enqueued for sending, at most 380 emails per 1h" {
		t.Errorf("Message = %q", res.Message)
	}
	if diff := cmp.Diff([]string{"a@x.com", "b@x.com"}, ledgerEmails(t, env, c.ID)); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
	if env.scheduler.starts.Load() != 1 {
		t.Errorf("scheduler started %d times, want 1", env.scheduler.starts.Load())
	}
}

func TestService_BeginSendTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.CreateDraft(ctx, manualDraft("a@x.com"))
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}
	if _, err := env.svc.BeginSend(ctx, c.ID); err != nil {
		t.Fatalf("BeginSend() error = %v", err)
	}

	_, err = env.svc.BeginSend(ctx, c.ID)
	var serr *InvalidStateError
	if !errors.As(err, &serr) {
		t.Fatalf("second BeginSend() error = %v, want InvalidStateError", err)
	}
}

func TestService_BeginSendConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.CreateDraft(ctx, manualDraft("a@x.com", "b@x.com", "c@x.com"))
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.BeginSend(ctx, c.ID)
			var serr *InvalidStateError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &serr):
				conflicts.Add(1)
			default:
				t.Errorf("BeginSend() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful sends = %d, want 1", wins.Load())
	}
	if conflicts.Load() != callers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts.Load(), callers-1)
	}
	if n := len(ledgerEmails(t, env, c.ID)); n != 3 {
		t.Errorf("ledger rows = %d, want 3", n)
	}
}

func TestService_BeginSendDependencyErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// the group exists but none of its members has an address
	if err := env.clients.Import(ctx, []models.Client{{Name: "No mail", Groups: []string{"offline"}}}); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	tests := []struct {
		name  string
		draft Draft
	}{
		{"template without body", Draft{Name: "n", TemplateID: "blank", Subject: "s",
			Policy: models.Policy{Kind: models.PolicyManual, Recipients: []string{"a@x.com"}}}},
		{"empty group", Draft{Name: "n", TemplateID: "welcome", Subject: "s",
			Policy: models.Policy{Kind: models.PolicyClients, Group: "offline"}}},
		{"empty directory", Draft{Name: "n", TemplateID: "welcome", Subject: "s",
			Policy: models.Policy{Kind: models.PolicyAllClients}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := env.svc.CreateDraft(ctx, tt.draft)
			if err != nil {
				t.Fatalf("CreateDraft() error = %v", err)
			}

			_, err = env.svc.BeginSend(ctx, c.ID)
			var derr *DependencyError
			if !errors.As(err, &derr) {
				t.Fatalf("BeginSend() error = %v, want DependencyError", err)
			}

			got, err := env.svc.Get(ctx, c.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Status != models.CampaignDraft {
				t.Errorf("Status = %s, want draft", got.Status)
			}
			if n := len(ledgerEmails(t, env, c.ID)); n != 0 {
				t.Errorf("ledger rows = %d, want 0", n)
			}

			// the draft stays editable after a rejected send
			name := "renamed"
			if _, err := env.svc.UpdateDraft(ctx, c.ID, Changes{Name: &name}); err != nil {
				t.Errorf("UpdateDraft() after rejected send error = %v", err)
			}
		})
	}

	if env.scheduler.starts.Load() != 0 {
		t.Error("scheduler must not be armed by a rejected send")
	}
}

func TestService_BeginSendDynamicPolicies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.clients.Import(ctx, []models.Client{
		{Name: "Ann", Email: "Ann@Example.com", Groups: []string{"vip"}},
		{Name: "Ann again", Email: "ann@example.com ", Groups: []string{"vip"}},
		{Name: "No mail", Email: "", Groups: []string{"vip"}},
		{Name: "Bob", Email: "bob@example.com", Groups: []string{"trial"}},
		{Name: "Cid", Email: "cid@example.com"},
		{Name: "Dee", Email: "dee@example.com", Groups: []string{"vip"}},
	})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	tests := []struct {
		name   string
		policy models.Policy
		want   []string
	}{
		{"group", models.Policy{Kind: models.PolicyClients, Group: "vip"},
			[]string{"ann@example.com", "dee@example.com"}},
		{"all clients", models.Policy{Kind: models.PolicyAllClients},
			[]string{"ann@example.com", "bob@example.com", "cid@example.com", "dee@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := env.svc.CreateDraft(ctx, Draft{Name: tt.name, TemplateID: "welcome", Subject: "s", Policy: tt.policy})
			if err != nil {
				t.Fatalf("CreateDraft() error = %v", err)
			}
			if c.Stats.Total != 0 {
				t.Errorf("dynamic draft total = %d, want 0", c.Stats.Total)
			}

			res, err := env.svc.BeginSend(ctx, c.ID)
			if err != nil {
				t.Fatalf("BeginSend() error = %v", err)
			}
			if res.Enqueued != len(tt.want) || res.Campaign.Stats.Total != len(tt.want) {
				t.Errorf("Enqueued = %d, Total = %d, want %d", res.Enqueued, res.Campaign.Stats.Total, len(tt.want))
			}
			if diff := cmp.Diff(tt.want, ledgerEmails(t, env, c.ID)); diff != "" {
				t.Errorf("ledger mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestService_UpdateDraftRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.CreateDraft(ctx, manualDraft("a@x.com"))
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}

	subjects := []string{"first", "second", "final"}
	for _, s := range subjects {
		subject := s
		if _, err := env.svc.UpdateDraft(ctx, c.ID, Changes{Subject: &subject}); err != nil {
			t.Fatalf("UpdateDraft() error = %v", err)
		}
	}
	policy := models.Policy{Kind: models.PolicyManual, Recipients: []string{"z@x.com", "y@x.com", "Z@x.com"}}
	updated, err := env.svc.UpdateDraft(ctx, c.ID, Changes{Policy: &policy})
	if err != nil {
		t.Fatalf("UpdateDraft() error = %v", err)
	}
	if updated.Stats.Total != 2 {
		t.Errorf("Total after policy change = %d, want 2", updated.Stats.Total)
	}

	res, err := env.svc.BeginSend(ctx, c.ID)
	if err != nil {
		t.Fatalf("BeginSend() error = %v", err)
	}

	if res.Campaign.Subject != "final" || res.Campaign.TemplateID != "welcome" {
		t.Errorf("sent campaign = %+v", res.Campaign)
	}
	wantPolicy := models.Policy{Kind: models.PolicyManual, Recipients: []string{"z@x.com", "y@x.com"}}
	if diff := cmp.Diff(wantPolicy, res.Campaign.Policy); diff != "" {
		t.Errorf("Policy mismatch (-want +got):\n%s", diff)
	}

	subject := "after send"
	_, err = env.svc.UpdateDraft(ctx, c.ID, Changes{Subject: &subject})
	var serr *InvalidStateError
	if !errors.As(err, &serr) {
		t.Errorf("UpdateDraft() on sending campaign error = %v, want InvalidStateError", err)
	}
}

func TestService_DeleteAndFail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.CreateDraft(ctx, manualDraft("a@x.com", "b@x.com"))
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}

	// fail is only legal while sending
	_, err = env.svc.Fail(ctx, c.ID)
	var serr *InvalidStateError
	if !errors.As(err, &serr) {
		t.Fatalf("Fail() on draft error = %v, want InvalidStateError", err)
	}

	if _, err := env.svc.BeginSend(ctx, c.ID); err != nil {
		t.Fatalf("BeginSend() error = %v", err)
	}

	if err := env.svc.Delete(ctx, c.ID); !errors.As(err, &serr) {
		t.Fatalf("Delete() while sending error = %v, want InvalidStateError", err)
	}

	failed, err := env.svc.Fail(ctx, c.ID)
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if failed.Status != models.CampaignFailed {
		t.Errorf("Status = %s, want failed", failed.Status)
	}

	if err := env.svc.Delete(ctx, c.ID); err != nil {
		t.Fatalf("Delete() of failed campaign error = %v", err)
	}
	if _, err := env.svc.Get(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if n := len(ledgerEmails(t, env, c.ID)); n != 0 {
		t.Errorf("ledger rows after delete = %d, want 0", n)
	}

	if err := env.svc.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() unknown error = %v, want ErrNotFound", err)
	}
}

func TestService_RecoverInterrupted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.CreateDraft(ctx, manualDraft("a@x.com", "b@x.com"))
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}

	// simulate a crash halfway through expansion
	if _, err := env.campaigns.BeginEnqueue(ctx, c.ID); err != nil {
		t.Fatalf("BeginEnqueue() error = %v", err)
	}
	if _, err := env.ledger.InsertBatch(ctx, c.ID, []string{"a@x.com"}); err != nil {
		t.Fatalf("InsertBatch() error = %v", err)
	}

	n, err := env.svc.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted() error = %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}
	if rows := ledgerEmails(t, env, c.ID); len(rows) != 0 {
		t.Errorf("partial rows left: %v", rows)
	}

	res, err := env.svc.BeginSend(ctx, c.ID)
	if err != nil {
		t.Fatalf("BeginSend() after recovery error = %v", err)
	}
	if res.Enqueued != 2 {
		t.Errorf("Enqueued = %d, want 2", res.Enqueued)
	}
}

func TestService_RecipientsPaging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	addrs := make([]string, 0, 120)
	for i := 0; i < 120; i++ {
		addrs = append(addrs, "user"+string(rune('a'+i%26))+string(rune('a'+i/26))+"@x.com")
	}
	c, err := env.svc.CreateDraft(ctx, manualDraft(addrs...))
	if err != nil {
		t.Fatalf("CreateDraft() error = %v", err)
	}
	if _, err := env.svc.BeginSend(ctx, c.ID); err != nil {
		t.Fatalf("BeginSend() error = %v", err)
	}

	tests := []struct {
		name      string
		page      int
		limit     int
		wantLen   int
		wantLim   int
		wantPages int
	}{
		{"defaults", 0, 0, 50, 50, 3},
		{"capped", 1, 500, 100, 100, 2},
		{"last page", 3, 50, 20, 50, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := env.svc.Recipients(ctx, c.ID, "", tt.page, tt.limit)
			if err != nil {
				t.Fatalf("Recipients() error = %v", err)
			}
			if len(p.Items) != tt.wantLen || p.Limit != tt.wantLim || p.Pages != tt.wantPages || p.Total != 120 {
				t.Errorf("page = {len %d limit %d pages %d total %d}", len(p.Items), p.Limit, p.Pages, p.Total)
			}
		})
	}

	if _, err := env.svc.Recipients(ctx, "missing", "", 1, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("Recipients() unknown error = %v, want ErrNotFound", err)
	}
}

type recordingLedger struct {
	batches [][]string
	failAt  int
}

func (r *recordingLedger) InsertBatch(_ context.Context, _ string, emails []string) (int, error) {
	if r.failAt > 0 && len(r.batches)+1 == r.failAt {
		return 0, errors.New("disk full")
	}
	r.batches = append(r.batches, append([]string(nil), emails...))
	return len(emails), nil
}

func TestEnqueuer_Batches(t *testing.T) {
	addrs := func(n int) func(func(string, error) bool) {
		return func(yield func(string, error) bool) {
			for i := 0; i < n; i++ {
				if !yield(string(rune('a'+i))+"@x.com", nil) {
					return
				}
			}
		}
	}

	tests := []struct {
		name        string
		count       int
		batchSize   int
		wantBatches []int
	}{
		{"exact", 4, 2, []int{2, 2}},
		{"remainder", 5, 2, []int{2, 2, 1}},
		{"single", 3, 500, []int{3}},
		{"empty", 0, 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &recordingLedger{}
			n, err := NewEnqueuer(ledger, tt.batchSize).Enqueue(context.Background(), "c1", addrs(tt.count))
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if n != tt.count {
				t.Errorf("Enqueue() = %d, want %d", n, tt.count)
			}
			var sizes []int
			for _, b := range ledger.batches {
				sizes = append(sizes, len(b))
			}
			if diff := cmp.Diff(tt.wantBatches, sizes); diff != "" {
				t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("insert error", func(t *testing.T) {
		ledger := &recordingLedger{failAt: 2}
		_, err := NewEnqueuer(ledger, 2).Enqueue(context.Background(), "c1", addrs(5))
		if err == nil {
			t.Fatal("Enqueue() expected error")
		}
	})
}

func TestShortDuration(t *testing.T) {
	tests := map[time.Duration]string{
		time.Hour:                    "1h",
		30 * time.Minute:             "30m",
		90 * time.Minute:             "1h30m",
		45 * time.Second:             "45s",
		2*time.Hour + 15*time.Second: "2h0m15s",
	}
	for d, want := range tests {
		if got := shortDuration(d); got != want {
			t.Errorf("shortDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
