package config

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := New(path, "correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := s.Set(ctx, "anthropic_api_key", "provider", "key used by the Task Runner", true, "sk-ant-test-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, "anthropic_api_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-ant-test-123" {
		t.Errorf("got %q, want %q", got, "sk-ant-test-123")
	}

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if strings.Contains(e.EncryptedValue, "sk-ant-test-123") {
		t.Error("List leaked plaintext for a masked entry")
	}
	if e.EncryptedValue != "sk****23" {
		t.Errorf("expected masked display sk****23, got %q", e.EncryptedValue)
	}
	if e.Category != "provider" || !e.Masked {
		t.Errorf("metadata not preserved: %+v", e)
	}

	// Reload from disk and confirm persistence round-trips.
	s2, err := New(path, "correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got2, err := s2.Get(ctx, "anthropic_api_key")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got2 != "sk-ant-test-123" {
		t.Errorf("after reload got %q, want %q", got2, "sk-ant-test-123")
	}
}

func TestGetMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := New(path, "master")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty string for missing key, got %q", got)
	}
}

func TestWrongMasterFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	ctx := context.Background()

	s1, _ := New(path, "master-one")
	if err := s1.Set(ctx, "k", "misc", "", false, "secret"); err != nil {
		t.Fatal(err)
	}

	s2, _ := New(path, "master-two")
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Get(ctx, "k"); err == nil {
		t.Error("expected decrypt error with wrong master secret")
	}
}

func TestDeleteUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, _ := New(path, "master")
	if err := s.Delete(context.Background(), "missing"); err == nil {
		t.Error("expected not-found error deleting unknown key")
	}
}

func TestMaskValueShort(t *testing.T) {
	if got := maskValue("ab"); got != "****" {
		t.Errorf("expected **** for short value, got %q", got)
	}
}
