package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestOpenCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	if len(snap.Models[TierT1]) == 0 {
		t.Error("default snapshot has no t1 models")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written: %v", err)
	}
}

func TestOpenMigratesLegacyShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	legacy := map[string]any{
		"t1_models":         []string{"local/llama3"},
		"t2_models":         []string{"gpt-4"},
		"timeouts":          map[string]int{"t1": 7000},
		"upstream_base_url": "https://gw.example.com/v1",
		"upstream_api_key":  "sk-legacy",
		"providers": map[string]any{
			"local": map[string]string{"base_url": "http://127.0.0.1:8080/v1"},
		},
	}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	if got := snap.Models[TierT1]; len(got) != 1 || got[0] != "local/llama3" {
		t.Errorf("migrated t1 models = %v", got)
	}
	if snap.Providers.Upstream.BaseURL != "https://gw.example.com/v1" {
		t.Errorf("upstream base_url = %q", snap.Providers.Upstream.BaseURL)
	}
	// The single legacy timeout seeds both budgets.
	if snap.Timeouts.Connect[TierT1] != 7000 || snap.Timeouts.Generation[TierT1] != 7000 {
		t.Errorf("migrated timeouts = %+v", snap.Timeouts)
	}
	if _, ok := snap.Providers.Custom["local"]; !ok {
		t.Error("legacy provider not migrated")
	}

	// The original file is preserved next to the rewritten one.
	if _, err := os.Stat(filepath.Join(dir, "config.backup.json")); err != nil {
		t.Errorf("legacy backup missing: %v", err)
	}

	// The rewritten file must parse as the nested shape without migrating again.
	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	_, migrated, err := Parse(rewritten)
	if err != nil || migrated {
		t.Errorf("rewritten config parse: migrated=%v err=%v", migrated, err)
	}
}

func TestUpdateRejectsInvalidSnapshot(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.json"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	bad := Default()
	bad.Strategies[TierT1] = "weighted" // unknown strategy
	if err := s.Update(bad); err == nil {
		t.Error("unknown strategy should be rejected")
	}

	bad = Default()
	bad.Router.Enabled = true
	bad.Router.BaseURL = ""
	if err := s.Update(bad); err == nil {
		t.Error("enabled router without base_url should be rejected")
	}
}

func TestUpdateNotifiesListeners(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.json"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	var got *Snapshot
	s.OnChange(func(next *Snapshot) { got = next })

	next := Default()
	next.Models[TierT1] = []string{"only-model"}
	if err := s.Update(next); err != nil {
		t.Fatal(err)
	}

	if got == nil || got.Models[TierT1][0] != "only-model" {
		t.Errorf("listener snapshot = %+v", got)
	}
	if s.Snapshot() != next {
		t.Error("active snapshot not swapped")
	}
}

func TestReloadAppliesOnDiskChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	edited := Default()
	edited.Models[TierT1] = []string{"edited-model"}
	data, _ := json.MarshalIndent(edited, "", "  ")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().Models[TierT1]; len(got) != 1 || got[0] != "edited-model" {
		t.Errorf("reloaded t1 models = %v", got)
	}
}

func TestReloadKeepsSnapshotOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	before := s.Snapshot()

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Error("invalid file should fail reload")
	}
	if s.Snapshot() != before {
		t.Error("active snapshot must survive a bad reload")
	}
}

func TestStrictProvidersRejectsUnknownPrefix(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.json"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	next := Default()
	next.StrictProviders = true
	next.Models[TierT1] = []string{"ghost/model-x"}
	if err := s.Update(next); err == nil {
		t.Error("strict mode should reject unknown provider prefix")
	}

	verify := false
	next.Providers.Custom["ghost"] = Provider{BaseURL: "http://127.0.0.1:9999/v1", VerifySSL: &verify}
	if err := s.Update(next); err != nil {
		t.Errorf("known provider prefix rejected: %v", err)
	}
}

func TestSnapshotHelpers(t *testing.T) {
	snap := Default()
	snap.Models[TierT1] = []string{"a", "b", ""}
	snap.Models[TierT2] = []string{"b", "c"}
	snap.Models[TierT3] = nil
	snap.Strategies = map[string]string{TierT2: StrategyAdaptive}
	snap.Retries.Rounds = map[string]int{TierT2: 3}

	all := snap.AllModels()
	if len(all) != 3 || all[0] != "a" || all[1] != "b" || all[2] != "c" {
		t.Errorf("AllModels = %v", all)
	}
	if snap.Strategy(TierT1) != StrategySequential {
		t.Errorf("missing strategy should default to sequential")
	}
	if snap.Strategy(TierT2) != StrategyAdaptive {
		t.Errorf("Strategy(t2) = %q", snap.Strategy(TierT2))
	}
	if snap.Rounds(TierT1) != 1 || snap.Rounds(TierT2) != 3 {
		t.Errorf("Rounds = %d/%d", snap.Rounds(TierT1), snap.Rounds(TierT2))
	}
	if snap.ConnectTimeout(TierT1).Milliseconds() != 5000 {
		t.Errorf("ConnectTimeout(t1) = %v", snap.ConnectTimeout(TierT1))
	}
}

func TestLoadBootstrapDefaultsAndFile(t *testing.T) {
	dir := t.TempDir()

	b, err := LoadBootstrap(dir)
	if err != nil {
		t.Fatal(err)
	}
	if b.Listen != ":6688" || b.LogLevel != "info" {
		t.Errorf("default bootstrap = %+v", b)
	}

	yaml := "listen: \":9000\"\nlog_level: debug\ncors_origins:\n  - https://ops.example.com\n"
	if err := os.WriteFile(filepath.Join(dir, "server.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err = LoadBootstrap(dir)
	if err != nil {
		t.Fatal(err)
	}
	if b.Listen != ":9000" || b.LogLevel != "debug" {
		t.Errorf("bootstrap from file = %+v", b)
	}
	if len(b.CORSOrigins) != 1 || b.CORSOrigins[0] != "https://ops.example.com" {
		t.Errorf("cors origins = %v", b.CORSOrigins)
	}
}
