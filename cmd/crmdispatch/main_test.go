package main

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/foxzi/crmdispatch/internal/models"
	"github.com/foxzi/crmdispatch/internal/ratelimit"
)

func TestParseClients(t *testing.T) {
	input := "Name, Email, Groups\n" +
		"Alice, alice@example.com, vip;newsletter\n" +
		"Bob,,\n" +
		"Carol, carol@example.com\n"

	got, err := parseClients(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseClients() error = %v", err)
	}

	want := []models.Client{
		{Name: "Alice", Email: "alice@example.com", Groups: []string{"vip", "newsletter"}},
		{Name: "Bob", Groups: []string{}},
		{Name: "Carol", Email: "carol@example.com", Groups: []string{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseClients() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseClientsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "empty CSV file"},
		{"no name column", "email\na@x.com\n", "name column"},
		{"bad email", "name,email\nAlice,not-an-email\n", "line 2: invalid email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseClients(strings.NewReader(tt.input))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("parseClients() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestTemplateFromFile(t *testing.T) {
	templateImportID, templateImportName, templateImportSubject = "", "", "Hello"
	t.Cleanup(func() { templateImportSubject = "" })

	got := templateFromFile("/tmp/exports/spring-sale.html", []byte("<p>Sale</p>"))
	want := &models.Template{ID: "spring-sale", Name: "spring-sale", Subject: "Hello", HTML: "<p>Sale</p>"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("templateFromFile() mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatQuota(t *testing.T) {
	s := ratelimit.Stats{
		Limits:     ratelimit.Limits{MessagesPerHour: 100},
		Counter:    ratelimit.Counter{HourlyCount: 100, DailyCount: 250},
		Remaining:  0,
		RetryAfter: 20 * time.Minute,
	}
	want := "This hour: 100 / 100\n" +
		"Today:     250 / unlimited\n" +
		"Remaining: 0\n" +
		"Resets in: 20m0s\n"
	if got := formatQuota(s); got != want {
		t.Errorf("formatQuota() =\n%s\nwant\n%s", got, want)
	}

	s = ratelimit.Stats{Remaining: math.MaxInt}
	if got := formatQuota(s); !strings.Contains(got, "Remaining: unlimited") {
		t.Errorf("formatQuota() = %q, want unlimited remaining", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("a very long subject line", 10); got != "a very ..." {
		t.Errorf("truncate() = %q", got)
	}
}
