package config

import (
	"fmt"
	"os"
	"time"

	"NetSentry/internal/model"

	"gopkg.in/yaml.v3"
)

// CaptureConfig controls the packet source.
type CaptureConfig struct {
	Interface       string `yaml:"interface"`        // live capture device, empty for file replay
	Filter          string `yaml:"filter"`           // opaque BPF pass-through
	PcapFile        string `yaml:"pcap_file"`        // offline replay path
	CaptureDuration string `yaml:"capture_duration"` // 0 = run until signalled
	SnapshotLen     int32  `yaml:"snapshot_len"`
}

// ProbeConfig holds the NATS transport settings for remote probes.
type ProbeConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// ExtractorConfig controls flow aggregation and feature emission.
type ExtractorConfig struct {
	NumShards     uint32 `yaml:"num_shards"`
	MaxFlows      int    `yaml:"max_flows"`
	IdleTimeout   string `yaml:"idle_timeout"`
	WindowSize    string `yaml:"window_size"` // sliding window for long-lived flows
	SweepInterval string `yaml:"sweep_interval"`
}

// ProfilerConfig controls per-host baseline maintenance.
type ProfilerConfig struct {
	HalfLife         string `yaml:"half_life"`
	MinObservations  int64  `yaml:"min_observations"`
	UpdateQueueSize  int    `yaml:"update_queue_size"`
	SnapshotInterval string `yaml:"snapshot_interval"` // baseline persistence cadence
}

// DetectorConfig controls the anomaly scorers and fusion.
type DetectorConfig struct {
	AnomalyThreshold    float64 `yaml:"anomaly_threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ZScoreThreshold     float64 `yaml:"zscore_threshold"`
	ColdPenalty         float64 `yaml:"cold_penalty"`
	ModelUpdateInterval string  `yaml:"model_update_interval"`
	TrainingWindowSize  int     `yaml:"training_window_size"`
	StatisticalWeight   float64 `yaml:"statistical_weight"`
	LearnedWeight       float64 `yaml:"learned_weight"`
	BehavioralWeight    float64 `yaml:"behavioral_weight"`
}

// PolicyRule maps one (severity, attack_type) pair to an ordered list of
// response actions.
type PolicyRule struct {
	Severity   string   `yaml:"severity"`
	AttackType string   `yaml:"attack_type"`
	Actions    []string `yaml:"actions"`
}

// OrchestratorConfig controls incident lifecycle management.
type OrchestratorConfig struct {
	ResponseThreshold float64      `yaml:"response_threshold"`
	QuietPeriod       string       `yaml:"quiet_period"` // auto-resolve after this much silence
	MaxIncidentAge    string       `yaml:"max_incident_age"`
	IntakeQueueSize   int          `yaml:"intake_queue_size"`
	Policies          []PolicyRule `yaml:"policies"`
}

// ActionConfig controls the response engine.
type ActionConfig struct {
	DryRun               bool   `yaml:"dry_run"`
	MaxConcurrentActions int    `yaml:"max_concurrent_actions"`
	ActionsPerMinute     int    `yaml:"actions_per_minute"`
	QueueSize            int    `yaml:"queue_size"`
	DefaultTimeout       string `yaml:"action_default_timeout"`
	DispatchTimeout      string `yaml:"dispatch_timeout"`
	RetryLimit           int    `yaml:"retry_limit"`
	QuarantineVLANID     int    `yaml:"quarantine_vlan_id"`
	BandwidthLimit       string `yaml:"bandwidth_limit"`
	FirewallChain        string `yaml:"firewall_chain"`
	ShaperInterface      string `yaml:"shaper_interface"`
}

// WebhookConfig describes one webhook notification target.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// SMTPConfig holds the email notification settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"` // comma separated
}

// NotificationConfig controls incident fan-out.
type NotificationConfig struct {
	QueueSize      int             `yaml:"queue_size"`
	DeliverTimeout string          `yaml:"deliver_timeout"`
	Webhooks       []WebhookConfig `yaml:"webhooks"`
	SMTP           SMTPConfig      `yaml:"smtp"`
}

// ClickHouseConfig holds the connection settings for the ClickHouse store.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StorageConfig selects and configures the persistence backends.
type StorageConfig struct {
	RootPath   string           `yaml:"root_path"` // JSONL append log directory
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// APIConfig controls the status/reporting HTTP server.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration for the whole system.
type Config struct {
	Capture      CaptureConfig      `yaml:"capture"`
	Probe        ProbeConfig        `yaml:"probe"`
	Extractor    ExtractorConfig    `yaml:"extractor"`
	Profiler     ProfilerConfig     `yaml:"profiler"`
	Detector     DetectorConfig     `yaml:"detector"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Action       ActionConfig       `yaml:"action"`
	Notification NotificationConfig `yaml:"notification"`
	Storage      StorageConfig      `yaml:"storage"`
	API          APIConfig          `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file, applies defaults,
// and validates it. The pipeline must not start with an inconsistent
// policy table or thresholds, so any validation failure aborts startup.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Capture.SnapshotLen == 0 {
		c.Capture.SnapshotLen = 1600
	}
	if c.Extractor.NumShards == 0 {
		c.Extractor.NumShards = 64
	}
	if c.Extractor.MaxFlows == 0 {
		c.Extractor.MaxFlows = 100000
	}
	if c.Extractor.IdleTimeout == "" {
		c.Extractor.IdleTimeout = "60s"
	}
	if c.Extractor.WindowSize == "" {
		c.Extractor.WindowSize = "10s"
	}
	if c.Extractor.SweepInterval == "" {
		c.Extractor.SweepInterval = "5s"
	}
	if c.Profiler.HalfLife == "" {
		c.Profiler.HalfLife = "4h"
	}
	if c.Profiler.MinObservations == 0 {
		c.Profiler.MinObservations = 30
	}
	if c.Profiler.UpdateQueueSize == 0 {
		c.Profiler.UpdateQueueSize = 1024
	}
	if c.Profiler.SnapshotInterval == "" {
		c.Profiler.SnapshotInterval = "5m"
	}
	if c.Detector.AnomalyThreshold == 0 {
		c.Detector.AnomalyThreshold = 0.7
	}
	if c.Detector.ConfidenceThreshold == 0 {
		c.Detector.ConfidenceThreshold = 0.6
	}
	if c.Detector.ZScoreThreshold == 0 {
		c.Detector.ZScoreThreshold = 3.0
	}
	if c.Detector.ColdPenalty == 0 {
		c.Detector.ColdPenalty = 0.3
	}
	if c.Detector.ModelUpdateInterval == "" {
		c.Detector.ModelUpdateInterval = "1h"
	}
	if c.Detector.TrainingWindowSize == 0 {
		c.Detector.TrainingWindowSize = 1000
	}
	if c.Detector.StatisticalWeight == 0 {
		c.Detector.StatisticalWeight = 1.0
	}
	if c.Detector.LearnedWeight == 0 {
		c.Detector.LearnedWeight = 1.0
	}
	if c.Detector.BehavioralWeight == 0 {
		c.Detector.BehavioralWeight = 1.0
	}
	if c.Orchestrator.ResponseThreshold == 0 {
		c.Orchestrator.ResponseThreshold = 0.8
	}
	if c.Orchestrator.QuietPeriod == "" {
		c.Orchestrator.QuietPeriod = "10m"
	}
	if c.Orchestrator.MaxIncidentAge == "" {
		c.Orchestrator.MaxIncidentAge = "24h"
	}
	if c.Orchestrator.IntakeQueueSize == 0 {
		c.Orchestrator.IntakeQueueSize = 1024
	}
	if c.Action.MaxConcurrentActions == 0 {
		c.Action.MaxConcurrentActions = 10
	}
	if c.Action.ActionsPerMinute == 0 {
		c.Action.ActionsPerMinute = 60
	}
	if c.Action.QueueSize == 0 {
		c.Action.QueueSize = 256
	}
	if c.Action.DefaultTimeout == "" {
		c.Action.DefaultTimeout = "5m"
	}
	if c.Action.DispatchTimeout == "" {
		c.Action.DispatchTimeout = "10s"
	}
	if c.Action.RetryLimit == 0 {
		c.Action.RetryLimit = 3
	}
	if c.Action.QuarantineVLANID == 0 {
		c.Action.QuarantineVLANID = 666
	}
	if c.Action.BandwidthLimit == "" {
		c.Action.BandwidthLimit = "1mbit"
	}
	if c.Action.FirewallChain == "" {
		c.Action.FirewallChain = "INPUT"
	}
	if c.Action.ShaperInterface == "" {
		c.Action.ShaperInterface = "eth0"
	}
	if c.Notification.QueueSize == 0 {
		c.Notification.QueueSize = 256
	}
	if c.Notification.DeliverTimeout == "" {
		c.Notification.DeliverTimeout = "10s"
	}
	if c.Storage.RootPath == "" {
		c.Storage.RootPath = "data"
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.Probe.Subject == "" {
		c.Probe.Subject = "netsentry.packets"
	}
	if c.Probe.NATSURL == "" {
		c.Probe.NATSURL = "nats://127.0.0.1:4222"
	}
}

// Validate checks thresholds, durations, and the policy table. Any error
// here must abort startup.
func (c *Config) Validate() error {
	for name, v := range map[string]float64{
		"detector.anomaly_threshold":      c.Detector.AnomalyThreshold,
		"detector.confidence_threshold":   c.Detector.ConfidenceThreshold,
		"orchestrator.response_threshold": c.Orchestrator.ResponseThreshold,
		"detector.cold_penalty":           c.Detector.ColdPenalty,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("configuration error: %s must be in [0,1], got %v", name, v)
		}
	}
	if c.Detector.ZScoreThreshold <= 0 {
		return fmt.Errorf("configuration error: detector.zscore_threshold must be positive")
	}
	if c.Action.MaxConcurrentActions < 1 {
		return fmt.Errorf("configuration error: action.max_concurrent_actions must be at least 1")
	}

	for name, s := range map[string]string{
		"extractor.idle_timeout":         c.Extractor.IdleTimeout,
		"extractor.window_size":          c.Extractor.WindowSize,
		"extractor.sweep_interval":       c.Extractor.SweepInterval,
		"profiler.half_life":             c.Profiler.HalfLife,
		"profiler.snapshot_interval":     c.Profiler.SnapshotInterval,
		"detector.model_update_interval": c.Detector.ModelUpdateInterval,
		"orchestrator.quiet_period":      c.Orchestrator.QuietPeriod,
		"orchestrator.max_incident_age":  c.Orchestrator.MaxIncidentAge,
		"action.action_default_timeout":  c.Action.DefaultTimeout,
		"action.dispatch_timeout":        c.Action.DispatchTimeout,
		"notification.deliver_timeout":   c.Notification.DeliverTimeout,
	} {
		if d, err := time.ParseDuration(s); err != nil || d <= 0 {
			return fmt.Errorf("configuration error: %s must be a positive duration, got %q", name, s)
		}
	}
	if c.Capture.CaptureDuration != "" {
		if _, err := time.ParseDuration(c.Capture.CaptureDuration); err != nil {
			return fmt.Errorf("configuration error: capture.capture_duration: %w", err)
		}
	}

	// The policy table is data, not code: every key must name a known
	// severity, attack type, and action before the pipeline starts.
	for i, rule := range c.Orchestrator.Policies {
		if _, err := model.ParseSeverity(rule.Severity); err != nil {
			return fmt.Errorf("configuration error: policy %d: %w", i, err)
		}
		if _, err := model.ParseAttackType(rule.AttackType); err != nil {
			return fmt.Errorf("configuration error: policy %d: %w", i, err)
		}
		if len(rule.Actions) == 0 {
			return fmt.Errorf("configuration error: policy %d has no actions", i)
		}
		for _, a := range rule.Actions {
			if _, err := model.ParseActionType(a); err != nil {
				return fmt.Errorf("configuration error: policy %d: %w", i, err)
			}
		}
	}
	return nil
}

// Duration parses a validated duration field. It must only be called on
// fields that passed Validate.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
