package filter

import (
	"testing"

	"github.com/dhcgn/mail-backup/model"
)

func msg(subject, name, address string) model.Message {
	return model.Message{Subject: subject, From: model.Sender{Name: name, Address: address}}
}

func TestFilter_Allows_IncludeMode(t *testing.T) {
	opts := Options{
		IncludeSubject: []string{"(?i)invoice"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(msg("Invoice March 2024", "Billing", "billing@example.com")) {
		t.Error("Expected message to be allowed (subject matches)")
	}

	if f.Allows(msg("Lunch?", "Alex", "alex@example.com")) {
		t.Error("Expected message to be filtered out (subject doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	opts := Options{
		ExcludeFrom: []string{`@spam\.example$`},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(msg("Normal Message", "", "sender@example.com")) {
		t.Error("Expected message to be allowed (no spam)")
	}

	if f.Allows(msg("Win big", "", "promo@spam.example")) {
		t.Error("Expected message to be filtered out (sender is blocked)")
	}
}

func TestFilter_FromMatchesDisplayName(t *testing.T) {
	f, err := New(Options{IncludeFrom: []string{"^Alex "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !f.Allows(msg("x", "Alex Wilber", "alexw@contoso.com")) {
		t.Error("Expected display name to be matched")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	opts := Options{
		IncludeSubject: []string{"test"},
		ExcludeFrom:    []string{"spam"},
	}
	_, err := New(opts)
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeSubject: []string{"("}}); err == nil {
		t.Error("Expected error for an invalid pattern")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{IncludeSubject: []string{"  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if f.Active() {
		t.Error("Blank patterns must not activate the filter")
	}
	if !f.Allows(msg("Any Message", "", "")) {
		t.Error("Expected message to be allowed when no filters are active")
	}

	var nilFilter *Filter
	if !nilFilter.Allows(msg("Any Message", "", "")) {
		t.Error("Expected nil filter to allow everything")
	}
}

func TestFilter_GetStats(t *testing.T) {
	f, err := New(Options{ExcludeSubject: []string{"newsletter", "digest"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.Allows(msg("Weekly newsletter", "", ""))
	f.Allows(msg("Another newsletter", "", ""))
	f.Allows(msg("Hello", "", ""))

	stats := f.GetStats()
	if len(stats.Patterns) != 2 {
		t.Fatalf("Patterns = %v, want 2 entries", stats.Patterns)
	}
	if stats.Hits["newsletter"] != 2 {
		t.Errorf("Hits[newsletter] = %d, want 2", stats.Hits["newsletter"])
	}
	if stats.Hits["digest"] != 0 {
		t.Errorf("Hits[digest] = %d, want 0", stats.Hits["digest"])
	}
}
