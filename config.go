package enclave

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/enclave/boundary"
	"github.com/GoCodeAlone/enclave/loader"
	"github.com/GoCodeAlone/enclave/monitor"
	"github.com/GoCodeAlone/enclave/resource"
	"github.com/GoCodeAlone/enclave/worker"
)

// WorkerConfig sizes the worker pool. Timeouts are milliseconds.
type WorkerConfig struct {
	MinWorkers          int `yaml:"minWorkers" json:"minWorkers"`
	MaxWorkers          int `yaml:"maxWorkers" json:"maxWorkers"`
	WorkerIdleTimeoutMs int `yaml:"workerIdleTimeout" json:"workerIdleTimeout"`
}

// SecurityConfig controls manifest acceptance policy.
type SecurityConfig struct {
	EnableSignatureValidation bool   `yaml:"enableSignatureValidation" json:"enableSignatureValidation"`
	RequireSignedPlugins      bool   `yaml:"requireSignedPlugins" json:"requireSignedPlugins"`
	MaxPluginSize             int    `yaml:"maxPluginSize" json:"maxPluginSize"`
	SecurityLevel             string `yaml:"securityLevel" json:"securityLevel"`
}

// EnforcerConfig sets resource ceilings. Durations are milliseconds.
type EnforcerConfig struct {
	MaxHeapUsageMB              float64 `yaml:"maxHeapUsageMB" json:"maxHeapUsageMB"`
	MaxCPUPercent               float64 `yaml:"maxCpuPercent" json:"maxCpuPercent"`
	MaxFileHandles              int     `yaml:"maxFileHandles" json:"maxFileHandles"`
	MaxNetworkRequestsPerMinute int     `yaml:"maxNetworkRequestsPerMinute" json:"maxNetworkRequestsPerMinute"`
	EnforceHardLimits           bool    `yaml:"enforceHardLimits" json:"enforceHardLimits"`
	GracePeriodMs               int     `yaml:"gracePeriodMs" json:"gracePeriodMs"`
	SampleIntervalMs            int     `yaml:"sampleIntervalMs" json:"sampleIntervalMs"`
}

// MonitorConfig sets the security monitor ceilings.
type MonitorConfig struct {
	MaxEventsPerMinute int  `yaml:"maxEventsPerMinute" json:"maxEventsPerMinute"`
	MaxErrorsPerMinute int  `yaml:"maxErrorsPerMinute" json:"maxErrorsPerMinute"`
	BlockOnViolation   bool `yaml:"blockOnViolation" json:"blockOnViolation"`
	AlertOnAnomaly     bool `yaml:"alertOnAnomaly" json:"alertOnAnomaly"`
}

// BoundaryConfig controls the host/worker message channel. Retention is
// milliseconds.
type BoundaryConfig struct {
	EncryptMessages  bool   `yaml:"encryptMessages" json:"encryptMessages"`
	Algorithm        string `yaml:"algorithm" json:"algorithm"`
	ValidateSchema   bool   `yaml:"validateSchema" json:"validateSchema"`
	StrictMode       bool   `yaml:"strictMode" json:"strictMode"`
	MaxMessageSize   int    `yaml:"maxMessageSize" json:"maxMessageSize"`
	AuditRetentionMs int    `yaml:"auditRetentionMs" json:"auditRetentionMs"`
}

// AuditConfig controls audit trail retention and persistence.
type AuditConfig struct {
	MaxEntries int    `yaml:"maxEntries" json:"maxEntries"`
	StorePath  string `yaml:"storePath" json:"storePath"`
}

// Config is the full configuration surface of the sandbox platform.
type Config struct {
	PluginDirectory string         `yaml:"pluginDirectory" json:"pluginDirectory"`
	Workers         WorkerConfig   `yaml:"workers" json:"workers"`
	Loader          loader.Config  `yaml:"loader" json:"loader"`
	Security        SecurityConfig `yaml:"security" json:"security"`
	Monitor         MonitorConfig  `yaml:"monitor" json:"monitor"`
	Enforcer        EnforcerConfig `yaml:"enforcer" json:"enforcer"`
	Boundary        BoundaryConfig `yaml:"boundary" json:"boundary"`
	Audit           AuditConfig    `yaml:"audit" json:"audit"`
}

// DefaultConfig returns production defaults for every subsystem.
func DefaultConfig() Config {
	pool := worker.DefaultConfig()
	mon := monitor.DefaultConfig()
	enf := resource.DefaultConfig()
	bnd := boundary.DefaultConfig()
	return Config{
		Workers: WorkerConfig{
			MinWorkers:          pool.MinWorkers,
			MaxWorkers:          pool.MaxWorkers,
			WorkerIdleTimeoutMs: int(pool.IdleTimeout / time.Millisecond),
		},
		Loader: loader.DefaultConfig(),
		Security: SecurityConfig{
			EnableSignatureValidation: true,
			MaxPluginSize:             1 << 20,
			SecurityLevel:             "standard",
		},
		Monitor: MonitorConfig{
			MaxEventsPerMinute: mon.MaxEventsPerMinute,
			MaxErrorsPerMinute: mon.MaxErrorsPerMinute,
			BlockOnViolation:   mon.BlockOnViolation,
			AlertOnAnomaly:     mon.AlertOnAnomaly,
		},
		Enforcer: EnforcerConfig{
			MaxHeapUsageMB:              enf.MaxHeapMB,
			MaxCPUPercent:               enf.MaxCPUPercent,
			MaxFileHandles:              enf.MaxFileHandles,
			MaxNetworkRequestsPerMinute: enf.MaxNetworkRequestsPerMinute,
			EnforceHardLimits:           enf.EnforceHardLimits,
			GracePeriodMs:               int(enf.GracePeriod / time.Millisecond),
			SampleIntervalMs:            int(enf.SampleInterval / time.Millisecond),
		},
		Boundary: BoundaryConfig{
			EncryptMessages: bnd.EncryptMessages,
			Algorithm:       bnd.Algorithm,
			ValidateSchema:  bnd.ValidateSchema,
			StrictMode:      bnd.StrictMode,
			MaxMessageSize:  bnd.MaxMessageSize,
		},
		Audit: AuditConfig{MaxEntries: 10000},
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c WorkerConfig) poolConfig(b BoundaryConfig) worker.Config {
	cfg := worker.DefaultConfig()
	if c.MinWorkers > 0 {
		cfg.MinWorkers = c.MinWorkers
	}
	if c.MaxWorkers > 0 {
		cfg.MaxWorkers = c.MaxWorkers
	}
	if c.WorkerIdleTimeoutMs > 0 {
		cfg.IdleTimeout = time.Duration(c.WorkerIdleTimeoutMs) * time.Millisecond
	}
	cfg.Boundary = b.channelConfig()
	return cfg
}

// channelConfig converts the boundary options the channel itself consumes;
// AuditRetentionMs applies to the shared audit trail, not per channel.
func (c BoundaryConfig) channelConfig() boundary.Config {
	return boundary.Config{
		EncryptMessages: c.EncryptMessages,
		Algorithm:       c.Algorithm,
		ValidateSchema:  c.ValidateSchema,
		StrictMode:      c.StrictMode,
		MaxMessageSize:  c.MaxMessageSize,
	}
}

func (c MonitorConfig) monitorConfig() monitor.Config {
	cfg := monitor.DefaultConfig()
	if c.MaxEventsPerMinute > 0 {
		cfg.MaxEventsPerMinute = c.MaxEventsPerMinute
	}
	if c.MaxErrorsPerMinute > 0 {
		cfg.MaxErrorsPerMinute = c.MaxErrorsPerMinute
	}
	cfg.BlockOnViolation = c.BlockOnViolation
	cfg.AlertOnAnomaly = c.AlertOnAnomaly
	return cfg
}

func (c EnforcerConfig) enforcerConfig() resource.Config {
	cfg := resource.DefaultConfig()
	if c.MaxHeapUsageMB > 0 {
		cfg.MaxHeapMB = c.MaxHeapUsageMB
	}
	if c.MaxCPUPercent > 0 {
		cfg.MaxCPUPercent = c.MaxCPUPercent
	}
	if c.MaxFileHandles > 0 {
		cfg.MaxFileHandles = c.MaxFileHandles
	}
	if c.MaxNetworkRequestsPerMinute > 0 {
		cfg.MaxNetworkRequestsPerMinute = c.MaxNetworkRequestsPerMinute
	}
	cfg.EnforceHardLimits = c.EnforceHardLimits
	if c.GracePeriodMs > 0 {
		cfg.GracePeriod = time.Duration(c.GracePeriodMs) * time.Millisecond
	}
	if c.SampleIntervalMs > 0 {
		cfg.SampleInterval = time.Duration(c.SampleIntervalMs) * time.Millisecond
	}
	return cfg
}
