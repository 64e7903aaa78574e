package engine

import (
	"context"
	"io"
	"testing"
)

type mockManager struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
}

func (m *mockManager) IsRunning(_ context.Context) bool              { return m.isRunning }
func (m *mockManager) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockManager) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &mockManager{isRunning: true, models: map[string]bool{"llama3.2": true, "nomic-embed-text": true}}
	if err := EnsureReady(context.Background(), m, []string{"llama3.2", "nomic-embed-text"}, io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissingOnce(t *testing.T) {
	m := &mockManager{isRunning: true, models: map[string]bool{"llama3.2": true}}
	err := EnsureReady(context.Background(), m, []string{"llama3.2", "nomic-embed-text", "", "nomic-embed-text"}, io.Discard)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected one pull of nomic-embed-text, got %v", m.pulled)
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockManager{isRunning: false}
	if err := EnsureReady(context.Background(), m, []string{"llama3.2"}, io.Discard); err == nil {
		t.Fatal("expected error when engine is down")
	}
}
