package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudir/cloudir/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "/dev/sdf", cfg.Forensics.Device)
	assert.Equal(t, "gp2", cfg.Forensics.VolumeType)
	assert.Equal(t, "/mnt/forensic", cfg.Forensics.MountPoint)
	assert.Equal(t, "forensic-results", cfg.Forensics.ArtifactPrefix)
	assert.Equal(t, 180*time.Second, cfg.Forensics.ExtractTimeout)
	assert.Equal(t, 120*time.Second, cfg.Forensics.UploadTimeout)
	assert.Equal(t, "quarantined", cfg.Containment.TagKey)
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
region: eu-west-1
forensics:
  analysis_instance_id: i-analysis
  artifact_bucket: evidence-bucket
  snapshot_wait:
    timeout: 5m
    min_delay: 1s
    max_delay: 10s
containment:
  quarantine_group_id: sg-quarantine
scope:
  protected_instances: [i-bastion]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "i-analysis", cfg.Forensics.AnalysisInstanceID)
	assert.Equal(t, 5*time.Minute, cfg.Forensics.SnapshotWait.Timeout)
	assert.Equal(t, time.Second, cfg.Forensics.SnapshotWait.MinDelay)
	// untouched nested defaults survive a partial document
	assert.Equal(t, "/dev/sdf", cfg.Forensics.Device)
	assert.Equal(t, "sg-quarantine", cfg.Containment.QuarantineGroupID)
	assert.ElementsMatch(t, []string{"i-bastion", "i-analysis"}, cfg.ProtectedInstances())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Forensics.Device, cfg.Forensics.Device)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("region: [unterminated"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"CLOUDIR_REGION":              "ap-southeast-2",
		"CLOUDIR_QUARANTINE_GROUP_ID": "sg-123",
		"CLOUDIR_STOP_INSTANCE":       "true",
		"CLOUDIR_MIN_SEVERITY":        "5.5",
		"CLOUDIR_PROTECTED_INSTANCES": "i-a, i-b,,",
	}))
	require.NoError(t, err)

	assert.Equal(t, "ap-southeast-2", cfg.Region)
	assert.Equal(t, "sg-123", cfg.Containment.QuarantineGroupID)
	assert.True(t, cfg.Containment.StopInstance)
	assert.Equal(t, 5.5, cfg.Events.MinSeverity)
	assert.Equal(t, []string{"i-a", "i-b"}, cfg.Scope.ProtectedInstances)
}

func TestApplyEnvRejectsBadBool(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{"CLOUDIR_STOP_INSTANCE": "maybe"}))
	assert.Error(t, err)
}

func TestValidateForensics(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateForensics()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrMissingRequiredInput))

	cfg.Forensics.AnalysisInstanceID = "i-analysis"
	cfg.Forensics.ArtifactBucket = "bucket"
	assert.NoError(t, cfg.ValidateForensics())

	cfg.Forensics.VolumeWait.MinDelay = time.Hour
	assert.Error(t, cfg.ValidateForensics())
}

func TestValidateWaits(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.ValidateWaits())

	cfg.Forensics.CommandWait.Timeout = 0
	err := cfg.ValidateWaits()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command_wait")
}

func TestValidateContainment(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.ValidateContainment(), core.ErrMissingRequiredInput)

	cfg.Containment.QuarantineGroupID = "sg-q"
	assert.NoError(t, cfg.ValidateContainment())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Forensics.ArtifactBucket = "saved-bucket"

	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "saved-bucket", loaded.Forensics.ArtifactBucket)
}
