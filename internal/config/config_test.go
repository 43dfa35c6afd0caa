package config

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")

	in := Default()
	in.DataDir = "/tmp/whisper"
	in.ServerURL = "wss://example.test/sync"
	in.AllowPlaintextFallback = true
	in.RetryCeiling = 3

	if err := Save(path, in); err != nil {
		t.Fatal(err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.DataDir != in.DataDir || out.ServerURL != in.ServerURL {
		t.Errorf("paths = %q/%q, want %q/%q", out.DataDir, out.ServerURL, in.DataDir, in.ServerURL)
	}
	if !out.AllowPlaintextFallback {
		t.Error("AllowPlaintextFallback not preserved")
	}
	if out.RetryCeiling != 3 {
		t.Errorf("RetryCeiling = %d, want 3", out.RetryCeiling)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	if err := Save(path, &Config{DataDir: "/tmp/x"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RetryCeiling != 5 || cfg.PageSize != 50 || cfg.MatchWindowMS != 5000 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
