// Package config loads cloudir configuration from a YAML file, an optional
// .env file and CLOUDIR_* environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudir/cloudir/internal/core"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ConfigDirName   = ".cloudir"
	ConfigFileName  = "config.yaml"
	DefaultLogLevel = "info"
	DefaultRegion   = "us-east-1"
	EnvPrefix       = "CLOUDIR_"
)

// Config is the full runtime configuration. Every handler receives the part
// it needs through its constructor.
type Config struct {
	Region              string `yaml:"region"`
	Profile             string `yaml:"profile"`
	Endpoint            string `yaml:"endpoint"`
	LogLevel            string `yaml:"log_level"`
	DataDir             string `yaml:"data_dir"`
	Operator            string `yaml:"operator"`
	RateLimitPerService int    `yaml:"rate_limit_per_service"`

	Forensics   ForensicsConfig   `yaml:"forensics"`
	Containment ContainmentConfig `yaml:"containment"`
	Scope       core.Scope        `yaml:"scope"`
	Events      EventsConfig      `yaml:"events"`
	Intel       IntelConfig       `yaml:"intel"`
}

// ForensicsConfig configures the snapshot-to-extraction chain.
type ForensicsConfig struct {
	AnalysisInstanceID string `yaml:"analysis_instance_id"`
	Device             string `yaml:"device"`
	VolumeType         string `yaml:"volume_type"`
	KMSKeyID           string `yaml:"kms_key_id"`
	ArtifactBucket     string `yaml:"artifact_bucket"`
	ArtifactPrefix     string `yaml:"artifact_prefix"`
	MountPoint         string `yaml:"mount_point"`
	OutputDir          string `yaml:"output_dir"`
	// CommandOutputBucket receives the agent's stdout/stderr when set.
	CommandOutputBucket string        `yaml:"command_output_bucket"`
	ExtractTimeout      time.Duration `yaml:"extract_timeout"`
	UploadTimeout       time.Duration `yaml:"upload_timeout"`
	SnapshotWait        WaitConfig    `yaml:"snapshot_wait"`
	VolumeWait          WaitConfig    `yaml:"volume_wait"`
	// CommandWait bounds the wait for the extraction command to finish.
	CommandWait WaitConfig `yaml:"command_wait"`
}

// WaitConfig bounds a provider state poll.
type WaitConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// ContainmentConfig configures the quarantine actuator.
type ContainmentConfig struct {
	QuarantineGroupID string `yaml:"quarantine_group_id"`
	StopInstance      bool   `yaml:"stop_instance"`
	TagKey            string `yaml:"tag_key"`
}

// EventsConfig configures detection dispatch.
type EventsConfig struct {
	// MinSeverity is the GuardDuty severity at or above which a finding
	// triggers snapshot and isolation.
	MinSeverity    float64 `yaml:"min_severity"`
	FindingsBucket string  `yaml:"findings_bucket"`
	FindingsPrefix string  `yaml:"findings_prefix"`
	RunForensics   bool    `yaml:"run_forensics"`
}

// IntelConfig configures the threat IP list refresh.
type IntelConfig struct {
	SourceURL string        `yaml:"source_url"`
	Bucket    string        `yaml:"bucket"`
	Key       string        `yaml:"key"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Default returns a configuration with every optional value filled.
func Default() Config {
	return Config{
		Region:              DefaultRegion,
		LogLevel:            DefaultLogLevel,
		DataDir:             filepath.Join(ConfigDir(), "data"),
		Operator:            "local",
		RateLimitPerService: 10,
		Forensics: ForensicsConfig{
			Device:         core.DefaultDevice,
			VolumeType:     core.DefaultVolumeType,
			ArtifactPrefix: core.DefaultArtifactPrefix,
			MountPoint:     core.DefaultMountPoint,
			OutputDir:      core.DefaultOutputDir,
			ExtractTimeout: 180 * time.Second,
			UploadTimeout:  120 * time.Second,
			SnapshotWait:   WaitConfig{Timeout: 30 * time.Minute, MinDelay: 15 * time.Second, MaxDelay: 2 * time.Minute},
			VolumeWait:     WaitConfig{Timeout: 10 * time.Minute, MinDelay: 5 * time.Second, MaxDelay: 30 * time.Second},
			CommandWait:    WaitConfig{Timeout: 10 * time.Minute, MinDelay: 5 * time.Second, MaxDelay: 30 * time.Second},
		},
		Containment: ContainmentConfig{
			TagKey: "quarantined",
		},
		Events: EventsConfig{
			MinSeverity:    7.0,
			FindingsPrefix: "guardduty/finding-logs/",
		},
		Intel: IntelConfig{
			SourceURL: "https://raw.githubusercontent.com/firehol/blocklist-ipsets/master/firehol_level1.netset",
			Key:       "threat/malicious-ip-list.txt",
			Timeout:   30 * time.Second,
		},
	}
}

// ConfigDir returns the user-level cloudir directory.
func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// DefaultPath returns ~/.cloudir/config.yaml.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), ConfigFileName)
}

// Load reads path (or DefaultPath when empty) over the defaults, then loads
// .env from the working directory and applies CLOUDIR_* overrides. A missing
// config file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	// .env never overrides variables already present in the environment
	_ = godotenv.Load()

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories.
func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("REGION", &c.Region)
	str("PROFILE", &c.Profile)
	str("ENDPOINT", &c.Endpoint)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATA_DIR", &c.DataDir)
	str("OPERATOR", &c.Operator)
	str("ANALYSIS_INSTANCE_ID", &c.Forensics.AnalysisInstanceID)
	str("DEVICE", &c.Forensics.Device)
	str("KMS_KEY_ID", &c.Forensics.KMSKeyID)
	str("ARTIFACT_BUCKET", &c.Forensics.ArtifactBucket)
	str("ARTIFACT_PREFIX", &c.Forensics.ArtifactPrefix)
	str("COMMAND_OUTPUT_BUCKET", &c.Forensics.CommandOutputBucket)
	str("QUARANTINE_GROUP_ID", &c.Containment.QuarantineGroupID)
	str("FINDINGS_BUCKET", &c.Events.FindingsBucket)
	str("FINDINGS_PREFIX", &c.Events.FindingsPrefix)
	str("THREAT_LIST_URL", &c.Intel.SourceURL)
	str("THREAT_LIST_BUCKET", &c.Intel.Bucket)
	str("THREAT_LIST_KEY", &c.Intel.Key)

	if v, ok := lookup(EnvPrefix + "STOP_INSTANCE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSTOP_INSTANCE: %w", EnvPrefix, err)
		}
		c.Containment.StopInstance = b
	}
	if v, ok := lookup(EnvPrefix + "MIN_SEVERITY"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sMIN_SEVERITY: %w", EnvPrefix, err)
		}
		c.Events.MinSeverity = f
	}
	if v, ok := lookup(EnvPrefix + "PROTECTED_INSTANCES"); ok && v != "" {
		c.Scope.ProtectedInstances = splitCSV(v)
	}
	if v, ok := lookup(EnvPrefix + "ALLOWED_REGIONS"); ok && v != "" {
		c.Scope.Regions = splitCSV(v)
	}
	if v, ok := lookup(EnvPrefix + "ALLOWED_ACCOUNTS"); ok && v != "" {
		c.Scope.AccountIDs = splitCSV(v)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateForensics checks what the forensic chain needs before any call.
func (c Config) ValidateForensics() error {
	var missing []string
	if c.Forensics.AnalysisInstanceID == "" {
		missing = append(missing, "forensics.analysis_instance_id")
	}
	if c.Forensics.ArtifactBucket == "" {
		missing = append(missing, "forensics.artifact_bucket")
	}
	if len(missing) > 0 {
		return core.MissingInput("config", missing...)
	}
	return c.ValidateWaits()
}

// ValidateContainment checks what the quarantine actuator needs.
func (c Config) ValidateContainment() error {
	if c.Containment.QuarantineGroupID == "" {
		return core.MissingInput("config", "containment.quarantine_group_id")
	}
	return nil
}

// ValidateWaits checks the snapshot, volume and command wait bounds.
func (c Config) ValidateWaits() error {
	for name, w := range map[string]WaitConfig{
		"snapshot_wait": c.Forensics.SnapshotWait,
		"volume_wait":   c.Forensics.VolumeWait,
		"command_wait":  c.Forensics.CommandWait,
	} {
		if w.Timeout <= 0 {
			return fmt.Errorf("forensics.%s.timeout must be positive", name)
		}
		if w.MinDelay > w.MaxDelay {
			return fmt.Errorf("forensics.%s.min_delay exceeds max_delay", name)
		}
	}
	return nil
}

// ProtectedInstances returns the instances that must never be isolated: the
// configured list plus the analysis host.
func (c Config) ProtectedInstances() []string {
	out := append([]string{}, c.Scope.ProtectedInstances...)
	if c.Forensics.AnalysisInstanceID != "" {
		out = append(out, c.Forensics.AnalysisInstanceID)
	}
	return out
}
