package configfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadParsesChannels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.yaml")
	writeFile(t, path, `
channels:
  - id: sensor-feed
    throttle_ms: 500
    priority: high
    tags: [iot, feed]
  - id: audit-log
    required: true
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(f.Channels))
	}
	if f.Channels[0].ID != "sensor-feed" || f.Channels[0].ThrottleMS != 500 {
		t.Fatalf("unexpected first channel: %+v", f.Channels[0])
	}
	if f.Channels[1].Required != true {
		t.Fatalf("expected second channel required=true")
	}
}

func TestLoadRejectsMissingID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.yaml")
	writeFile(t, path, "channels:\n  - throttle_ms: 10\n")

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error for channel missing id")
	}
}

func TestToChannelConfigMapsFields(t *testing.T) {
	def := ChannelDef{ID: "x", ThrottleMS: 100, Priority: "critical", Tags: []string{"a"}}
	cfg := def.ToChannelConfig()
	if cfg.ID != "x" || cfg.ThrottleMS != 100 || string(cfg.Priority) != "critical" {
		t.Fatalf("unexpected mapped config: %+v", cfg)
	}
}

func TestWatcherAppliesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.yaml")
	writeFile(t, path, "channels:\n  - id: a\n")

	applied := make(chan []ChannelDef, 4)
	w, err := NewWatcher(path, func(defs []ChannelDef) error {
		applied <- defs
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error creating watcher: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs, err := w.Start(ctx)
	if err != nil {
		t.Fatalf("unexpected error starting watcher: %v", err)
	}
	go func() {
		for range errs {
		}
	}()

	time.Sleep(20 * time.Millisecond)
	writeFile(t, path, "channels:\n  - id: a\n  - id: b\n")

	select {
	case defs := <-applied:
		if len(defs) != 2 {
			t.Fatalf("expected reload to report 2 channels, got %d", len(defs))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for watcher to apply change")
	}
}
