package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherFiresOnRuleChange(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rulesPath, []byte("rules: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fired := make(chan struct{}, 4)
	w, err := NewWatcher(rulesPath, WatchTargets{
		OnRulesChange: func() { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(rulesPath, []byte("rules: []\nbuiltin: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not fire for a rule document write")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")

	fired := make(chan struct{}, 4)
	w, err := NewWatcher(rulesPath, WatchTargets{
		OnRulesChange: func() { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
		t.Fatal("callback fired for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(filepath.Join(dir, "rules.yaml"), WatchTargets{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}
