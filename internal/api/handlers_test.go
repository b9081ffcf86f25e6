package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/foxzi/crmdispatch/internal/campaign"
	"github.com/foxzi/crmdispatch/internal/config"
	"github.com/foxzi/crmdispatch/internal/models"
)

// mockCampaigns implements Campaigns for testing. err, when set, is
// returned by every call.
type mockCampaigns struct {
	campaigns map[string]*models.Campaign
	err       error

	lastDraft   campaign.Draft
	lastChanges campaign.Changes
	lastList    campaign.ListParams
	lastStatus  models.RecipientStatus
	lastPage    [2]int
}

func newMockCampaigns() *mockCampaigns {
	return &mockCampaigns{campaigns: make(map[string]*models.Campaign)}
}

func (m *mockCampaigns) lookup(id string) (*models.Campaign, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	return c, nil
}

func (m *mockCampaigns) CreateDraft(ctx context.Context, d campaign.Draft) (*models.Campaign, error) {
	m.lastDraft = d
	if m.err != nil {
		return nil, m.err
	}
	c := &models.Campaign{ID: "c-new", Name: d.Name, TemplateID: d.TemplateID, Subject: d.Subject, Policy: d.Policy, Status: models.CampaignDraft}
	m.campaigns[c.ID] = c
	return c, nil
}

func (m *mockCampaigns) UpdateDraft(ctx context.Context, id string, ch campaign.Changes) (*models.Campaign, error) {
	m.lastChanges = ch
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if ch.Subject != nil {
		c.Subject = *ch.Subject
	}
	return c, nil
}

func (m *mockCampaigns) Delete(ctx context.Context, id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	delete(m.campaigns, id)
	return nil
}

func (m *mockCampaigns) BeginSend(ctx context.Context, id string) (*campaign.SendResult, error) {
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	c.Status = models.CampaignSending
	return &campaign.SendResult{Campaign: c, Enqueued: 3, Message: "campaign enqueued for sending, at most 380 emails per 1h"}, nil
}

func (m *mockCampaigns) Fail(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	c.Status = models.CampaignFailed
	return c, nil
}

func (m *mockCampaigns) Get(ctx context.Context, id string) (*models.Campaign, error) {
	return m.lookup(id)
}

func (m *mockCampaigns) List(ctx context.Context, p campaign.ListParams) (*campaign.Page[models.Campaign], error) {
	m.lastList = p
	if m.err != nil {
		return nil, m.err
	}
	items := []models.Campaign{}
	for _, c := range m.campaigns {
		items = append(items, *c)
	}
	return &campaign.Page[models.Campaign]{Items: items, Page: 1, Limit: 50, Total: len(items), Pages: 1}, nil
}

func (m *mockCampaigns) Recipients(ctx context.Context, id string, status models.RecipientStatus, page, limit int) (*campaign.Page[models.LedgerRow], error) {
	m.lastStatus = status
	m.lastPage = [2]int{page, limit}
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	rows := []models.LedgerRow{{ID: "r1", CampaignID: id, Email: "a@x.com", Status: models.RecipientSent}}
	return &campaign.Page[models.LedgerRow]{Items: rows, Page: 1, Limit: 50, Total: 1, Pages: 1}, nil
}

func setupTestServer() (*Server, *mockCampaigns) {
	m := newMockCampaigns()
	m.campaigns["c1"] = &models.Campaign{ID: "c1", Name: "Spring", Subject: "Spring sale", Status: models.CampaignDraft}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(m, config.APIConfig{ListenAddr: ":8080"}, logger), m
}

func doRequest(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer()

	w := doRequest(server, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
}

func TestCreateCampaign(t *testing.T) {
	server, m := setupTestServer()

	draft := campaign.Draft{
		Name:       "Autumn",
		TemplateID: "welcome",
		Subject:    "Autumn sale",
		Policy:     models.Policy{Kind: models.PolicyManual, Recipients: []string{"a@x.com"}},
	}
	w := doRequest(server, "POST", "/api/v1/campaigns", draft)
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body)
	}
	if diff := cmp.Diff(draft, m.lastDraft); diff != "" {
		t.Errorf("draft mismatch (-want +got):\n%s", diff)
	}

	var c models.Campaign
	if err := json.NewDecoder(w.Body).Decode(&c); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if c.ID != "c-new" || c.Status != models.CampaignDraft {
		t.Errorf("campaign = %+v", c)
	}
}

func TestCreateCampaignInvalidBody(t *testing.T) {
	server, _ := setupTestServer()

	req := httptest.NewRequest("POST", "/api/v1/campaigns", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		method     string
		path       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "validation",
			err:        &campaign.ValidationError{Field: "subject", Message: "subject is required"},
			method:     "POST",
			path:       "/api/v1/campaigns",
			wantStatus: http.StatusBadRequest,
			wantError:  "subject is required",
		},
		{
			name:       "invalid state",
			err:        &campaign.InvalidStateError{Op: "update", Status: models.CampaignSending},
			method:     "PUT",
			path:       "/api/v1/campaigns/c1",
			wantStatus: http.StatusConflict,
			wantError:  "cannot update campaign in status sending",
		},
		{
			name:       "dependency",
			err:        &campaign.DependencyError{Message: "no recipients found for this campaign"},
			method:     "POST",
			path:       "/api/v1/campaigns/c1/send",
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "no recipients found for this campaign",
		},
		{
			name:       "not found",
			err:        campaign.ErrNotFound,
			method:     "GET",
			path:       "/api/v1/campaigns/c1",
			wantStatus: http.StatusNotFound,
			wantError:  "campaign not found",
		},
		{
			name:       "store failure",
			err:        errors.New("disk I/O error"),
			method:     "DELETE",
			path:       "/api/v1/campaigns/c1",
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, m := setupTestServer()
			m.err = tt.err

			w := doRequest(server, tt.method, tt.path, map[string]string{})
			if w.Code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d", w.Code, tt.wantStatus)
			}

			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", resp.Error, tt.wantError)
			}
		})
	}
}

func TestSendCampaign(t *testing.T) {
	server, _ := setupTestServer()

	w := doRequest(server, "POST", "/api/v1/campaigns/c1/send", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusAccepted)
	}

	var resp campaign.SendResult
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Enqueued != 3 || resp.Campaign.Status != models.CampaignSending {
		t.Errorf("response = %+v", resp)
	}
}

func TestCampaignLifecycleRoutes(t *testing.T) {
	server, m := setupTestServer()

	subject := "Spring sale, last call"
	w := doRequest(server, "PUT", "/api/v1/campaigns/c1", campaign.Changes{Subject: &subject})
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d", w.Code)
	}
	if m.lastChanges.Subject == nil || *m.lastChanges.Subject != subject {
		t.Errorf("changes = %+v", m.lastChanges)
	}

	if w := doRequest(server, "POST", "/api/v1/campaigns/c1/fail", nil); w.Code != http.StatusOK {
		t.Errorf("fail status = %d", w.Code)
	}
	if m.campaigns["c1"].Status != models.CampaignFailed {
		t.Errorf("Status = %s, want failed", m.campaigns["c1"].Status)
	}

	if w := doRequest(server, "DELETE", "/api/v1/campaigns/c1", nil); w.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d", w.Code)
	}
	if w := doRequest(server, "GET", "/api/v1/campaigns/c1", nil); w.Code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d", w.Code)
	}
}

func TestListCampaigns(t *testing.T) {
	server, m := setupTestServer()

	w := doRequest(server, "GET", "/api/v1/campaigns?page=2&limit=10&search=spring&status=draft", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}

	want := campaign.ListParams{Search: "spring", Status: models.CampaignDraft, Page: 2, Limit: 10}
	if diff := cmp.Diff(want, m.lastList); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}

	if w := doRequest(server, "GET", "/api/v1/campaigns?status=archived", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", w.Code)
	}
}

func TestRecipients(t *testing.T) {
	server, m := setupTestServer()

	w := doRequest(server, "GET", "/api/v1/campaigns/c1/recipients?status=sent&page=3&limit=500", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	if m.lastStatus != models.RecipientSent || m.lastPage != [2]int{3, 500} {
		t.Errorf("Recipients called with %s %v", m.lastStatus, m.lastPage)
	}

	var page campaign.Page[models.LedgerRow]
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Email != "a@x.com" {
		t.Errorf("page = %+v", page)
	}

	if w := doRequest(server, "GET", "/api/v1/campaigns/c1/recipients?status=bounced", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", w.Code)
	}
	if w := doRequest(server, "GET", "/api/v1/campaigns/missing/recipients", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing campaign = %d, want 404", w.Code)
	}
}

func TestDeleteCampaignLogging(t *testing.T) {
	m := newMockCampaigns()
	m.campaigns["c1"] = &models.Campaign{ID: "c1", Name: "Spring", Status: models.CampaignDraft}
	var buf bytes.Buffer
	server := NewServer(m, config.APIConfig{ListenAddr: ":8080"}, slog.New(slog.NewTextHandler(&buf, nil)))

	if w := doRequest(server, "DELETE", "/api/v1/campaigns/c1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", w.Code)
	}
	// the service records the deletion, the handler only logs the request
	if bytes.Contains(buf.Bytes(), []byte("campaign deleted")) {
		t.Errorf("handler logged the deletion itself:\n%s", buf.String())
	}
}
