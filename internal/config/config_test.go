package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
log_level: debug
ingest:
  collector:
    enabled: true
    addr: ":9090"
detection:
  spike_threshold: 2.0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %s", cfg.LogLevel)
	}
	if cfg.Ingest.Collector.Addr != ":9090" {
		t.Fatalf("collector addr: %s", cfg.Ingest.Collector.Addr)
	}
	if cfg.Detection.SpikeThreshold != 2.0 {
		t.Fatalf("spike threshold: %f", cfg.Detection.SpikeThreshold)
	}
	// Untouched sections keep defaults.
	if cfg.Aggregation.TopNCapacity != 20 {
		t.Fatalf("top n default: %d", cfg.Aggregation.TopNCapacity)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeTemp(t, "config.json", `{"api":{"enabled":true,"addr":":7070"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Addr != ":7070" {
		t.Fatalf("api addr: %s", cfg.API.Addr)
	}
}

func TestValidateRejectsBadDropThreshold(t *testing.T) {
	for _, v := range []float64{0, 0.5, -1, -2} {
		cfg := DefaultConfig()
		cfg.Detection.DropThreshold = v
		if err := Validate(cfg); err == nil {
			t.Fatalf("drop_threshold %f accepted", v)
		}
	}
}

func TestValidateRejectsBadGranularity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Aggregation.Granularities = []string{"hour", "week"}
	if err := Validate(cfg); err == nil {
		t.Fatalf("granularity week accepted")
	}
}

func TestValidateKafkaRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingest.Kafka.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatalf("kafka without brokers accepted")
	}
	cfg.Ingest.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Ingest.Kafka.Topic = "traffic"
	cfg.Ingest.Kafka.GroupID = "trafficd"
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid kafka config rejected: %v", err)
	}
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	if m.Get() == nil {
		t.Fatalf("nil config from static manager")
	}
	if needs, err := m.NeedsReload(); err != nil || needs {
		t.Fatalf("static manager should never need reload: %v %v", needs, err)
	}
}
