package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Sessions    SessionsConfig    `json:"sessions" yaml:"sessions"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`
	Detection   DetectionConfig   `json:"detection" yaml:"detection"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Subscribe   SubscribeConfig   `json:"subscribe" yaml:"subscribe"`
	Stats       StatsConfig       `json:"stats" yaml:"stats"`
	Anomalies   AnomaliesConfig   `json:"anomalies" yaml:"anomalies"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	Collector     CollectorConfig `json:"collector" yaml:"collector"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type CollectorConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type SessionsConfig struct {
	// InactivityTimeout bounds the TTL of the session index. An evicted
	// session_id that returns later is counted as a new session.
	InactivityTimeout time.Duration `json:"inactivity_timeout" yaml:"inactivity_timeout"`
	MaxEntries        int           `json:"max_entries" yaml:"max_entries"`
}

type AggregationConfig struct {
	Granularities []string      `json:"granularities" yaml:"granularities"`
	TopNCapacity  int           `json:"top_n_capacity" yaml:"top_n_capacity"`
	Retention     time.Duration `json:"retention" yaml:"retention"`
	PruneInterval time.Duration `json:"prune_interval" yaml:"prune_interval"`
}

type DetectionConfig struct {
	// SpikeThreshold and DropThreshold are relative deviations: 1.0 means
	// +100% over expected, -0.5 means half of expected.
	SpikeThreshold  float64           `json:"spike_threshold" yaml:"spike_threshold"`
	DropThreshold   float64           `json:"drop_threshold" yaml:"drop_threshold"`
	HighRatio       float64           `json:"high_ratio" yaml:"high_ratio"`
	MediumRatio     float64           `json:"medium_ratio" yaml:"medium_ratio"`
	Epsilon         float64           `json:"epsilon" yaml:"epsilon"`
	DefaultExpected float64           `json:"default_expected" yaml:"default_expected"`
	MinSessions     int               `json:"min_sessions" yaml:"min_sessions"`
	AutoResolve     AutoResolveConfig `json:"auto_resolve" yaml:"auto_resolve"`
}

type AutoResolveConfig struct {
	// Disabled by default: the product never resolves anomalies on its
	// own; an operator action closes them.
	Enabled            bool `json:"enabled" yaml:"enabled"`
	ConsecutiveInRange int  `json:"consecutive_in_range" yaml:"consecutive_in_range"`
}

type APIConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Addr        string `json:"addr" yaml:"addr"`
	PageSize    int    `json:"page_size" yaml:"page_size"`
	MaxPageSize int    `json:"max_page_size" yaml:"max_page_size"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type SubscribeConfig struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

type StatsConfig struct {
	StoreLimit   int           `json:"store_limit" yaml:"store_limit"`
	ActiveWindow time.Duration `json:"active_window" yaml:"active_window"`
}

type AnomaliesConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Collector:     CollectorConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Sessions: SessionsConfig{
			InactivityTimeout: 30 * time.Minute,
			MaxEntries:        100000,
		},
		Aggregation: AggregationConfig{
			Granularities: []string{"hour", "day"},
			TopNCapacity:  20,
			Retention:     30 * 24 * time.Hour,
			PruneInterval: 10 * time.Minute,
		},
		Detection: DetectionConfig{
			SpikeThreshold:  1.0,
			DropThreshold:   -0.5,
			HighRatio:       4.0,
			MediumRatio:     2.0,
			Epsilon:         0.0001,
			DefaultExpected: 50,
			MinSessions:     10,
			AutoResolve:     AutoResolveConfig{Enabled: false, ConsecutiveInRange: 3},
		},
		API:       APIConfig{Enabled: true, Addr: ":8081", PageSize: 100, MaxPageSize: 1000},
		Storage:   StorageConfig{Driver: "sqlite", DSN: "file:traffic.db?_pragma=busy_timeout(5000)"},
		Subscribe: SubscribeConfig{BufferSize: 64},
		Stats:     StatsConfig{StoreLimit: 5000, ActiveWindow: 5 * time.Minute},
		Anomalies: AnomaliesConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if len(cfg.Aggregation.Granularities) == 0 {
		cfg.Aggregation.Granularities = []string{"hour", "day"}
	}
	if cfg.Aggregation.TopNCapacity <= 0 {
		cfg.Aggregation.TopNCapacity = 20
	}
	if cfg.Aggregation.Retention <= 0 {
		cfg.Aggregation.Retention = 30 * 24 * time.Hour
	}
	if cfg.Aggregation.PruneInterval <= 0 {
		cfg.Aggregation.PruneInterval = 10 * time.Minute
	}
	if cfg.Sessions.InactivityTimeout <= 0 {
		cfg.Sessions.InactivityTimeout = 30 * time.Minute
	}
	if cfg.Sessions.MaxEntries <= 0 {
		cfg.Sessions.MaxEntries = 100000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Detection.Epsilon <= 0 {
		cfg.Detection.Epsilon = 0.0001
	}
	if cfg.Detection.HighRatio <= 0 {
		cfg.Detection.HighRatio = 4.0
	}
	if cfg.Detection.MediumRatio <= 0 {
		cfg.Detection.MediumRatio = 2.0
	}
	if cfg.Detection.AutoResolve.ConsecutiveInRange <= 0 {
		cfg.Detection.AutoResolve.ConsecutiveInRange = 3
	}
	if cfg.API.PageSize <= 0 {
		cfg.API.PageSize = 100
	}
	if cfg.API.MaxPageSize <= 0 {
		cfg.API.MaxPageSize = 1000
	}
	if cfg.Subscribe.BufferSize <= 0 {
		cfg.Subscribe.BufferSize = 64
	}
	if cfg.Stats.StoreLimit <= 0 {
		cfg.Stats.StoreLimit = 5000
	}
	if cfg.Stats.ActiveWindow <= 0 {
		cfg.Stats.ActiveWindow = 5 * time.Minute
	}
	if cfg.Anomalies.StoreLimit <= 0 {
		cfg.Anomalies.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.Collector.Enabled && cfg.Ingest.Collector.Addr == "" {
		return errors.New("ingest.collector.addr required when ingest.collector.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	for _, g := range cfg.Aggregation.Granularities {
		if g != "hour" && g != "day" {
			return fmt.Errorf("aggregation.granularities: unsupported granularity %q", g)
		}
	}
	if cfg.Detection.SpikeThreshold <= 0 {
		return errors.New("detection.spike_threshold must be > 0")
	}
	if cfg.Detection.DropThreshold >= 0 || cfg.Detection.DropThreshold <= -1 {
		return errors.New("detection.drop_threshold must be in (-1, 0)")
	}
	if cfg.Storage.Driver == "" {
		return errors.New("storage.driver required")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps a fixed config with no backing file. Used by
// tests and by deployments that configure everything via defaults.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
