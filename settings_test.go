package conduit

import (
	"path/filepath"
	"testing"
)

func TestSettingsStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := NewSettingsStore(path)
	if err := s.Load(); err != nil {
		t.Fatalf("Load empty: %v", err)
	}

	err := s.Update(func(st *Settings) {
		st.RoleDisplayNames["implementer"] = "Implementer"
		st.DefaultModels[AgentLocalClaude] = "claude-sonnet-4-5"
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded := NewSettingsStore(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load after update: %v", err)
	}
	if got := reloaded.DefaultModel(AgentLocalClaude); got != "claude-sonnet-4-5" {
		t.Errorf("DefaultModel: got %q", got)
	}
	if got := reloaded.Get().RoleDisplayNames["implementer"]; got != "Implementer" {
		t.Errorf("RoleDisplayNames: got %q", got)
	}
	if got := reloaded.DefaultModel(AgentRemoteDevice); got != "" {
		t.Errorf("DefaultModel for unset kind: got %q, want empty", got)
	}
}

func TestSettingsStoreGetReturnsCopy(t *testing.T) {
	s := NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"))
	if err := s.Update(func(st *Settings) {
		st.DefaultModels[AgentLocalClaude] = "claude-sonnet-4-5"
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got := s.Get()
	got.DefaultModels[AgentLocalClaude] = "mutated"
	if s.DefaultModel(AgentLocalClaude) != "claude-sonnet-4-5" {
		t.Error("mutating the Get() copy leaked into the store")
	}
}

func TestRunnerResolveModelFallsBackToSettings(t *testing.T) {
	r, _, _ := newTestRunner(t)
	s := NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"))
	if err := s.Update(func(st *Settings) {
		st.DefaultModels[AgentLocalClaude] = "claude-sonnet-4-5"
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	r.WithSettings(s)

	if got := r.resolveModel(Task{AgentKind: AgentLocalClaude, ModelHint: "claude-opus-4"}); got != "claude-opus-4" {
		t.Errorf("explicit hint should win: got %q", got)
	}
	if got := r.resolveModel(Task{AgentKind: AgentLocalClaude}); got != "claude-sonnet-4-5" {
		t.Errorf("settings default: got %q", got)
	}
	if got := r.resolveModel(Task{AgentKind: AgentLocalAugment}); got != "" {
		t.Errorf("unset kind: got %q, want empty", got)
	}
}
