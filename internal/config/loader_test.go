package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func check(t *testing.T, cfg Config) {
	t.Helper()
	if cfg.ModelPath != "/m/tiny.gguf" || cfg.ContextLength != 2048 || cfg.WindowPolicy != "reject" ||
		cfg.MaxTokens != 64 || cfg.Temperature == nil || *cfg.Temperature != 0 || cfg.TopK != 8 ||
		cfg.HistoryDB != "/tmp/h.db" || cfg.MaxWaitMS != 250 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "model_path: /m/tiny.gguf\ncontext_length: 2048\nwindow_policy: reject\n"+
		"max_tokens: 64\ntemperature: 0\ntop_k: 8\nhistory_db: /tmp/h.db\nmax_wait_ms: 250\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	check(t, cfg)
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"model_path":"/m/tiny.gguf","context_length":2048,"window_policy":"reject",`+
		`"max_tokens":64,"temperature":0,"top_k":8,"history_db":"/tmp/h.db","max_wait_ms":250}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	check(t, cfg)
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "model_path=\"/m/tiny.gguf\"\ncontext_length=2048\nwindow_policy=\"reject\"\n"+
		"max_tokens=64\ntemperature=0.0\ntop_k=8\nhistory_db=\"/tmp/h.db\"\nmax_wait_ms=250\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	check(t, cfg)
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.WindowPolicy != "slide" || cfg.MaxTokens != 512 || *cfg.Temperature != 0.7 || cfg.TopP != 0.9 ||
		cfg.TopK != 40 || cfg.RepeatPenalty != 1.1 || cfg.RepeatLastN != 64 || cfg.MaxQueueDepth != 32 || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxWait() != 30*time.Second || cfg.TokenCacheTTL() != 30*time.Minute {
		t.Fatalf("durations: %s %s", cfg.MaxWait(), cfg.TokenCacheTTL())
	}
	zero := float32(0)
	kept := Config{Temperature: &zero, MaxTokens: 3}.WithDefaults()
	if *kept.Temperature != 0 || kept.MaxTokens != 3 {
		t.Fatalf("explicit values overwritten: %+v", kept)
	}
}

func TestValidate(t *testing.T) {
	neg := float32(-1)
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{}.WithDefaults(), true},
		{"policy", Config{WindowPolicy: "drop"}, false},
		{"keep past capacity", Config{ContextLength: 8, WindowKeep: 9}, false},
		{"negative temperature", Config{Temperature: &neg}, false},
		{"top_p", Config{TopP: 1.5}, false},
		{"delta", Config{EmbeddingMinDelta: 3}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}
