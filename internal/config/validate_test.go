package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidateRejectsBelowFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingestion.MinRequestDelaySeconds = 0
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsUnknownStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DriverName = "mongo"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsInvertedContinuationDelays(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Continuation.BaseDelaySeconds = 100
	cfg.Continuation.MaxDelaySeconds = 50
	assert.Error(t, Validate(cfg))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://scholar.google.com/citations?user=abc"))
	assert.Error(t, ValidateURL("ftp://example.com"))
	assert.Error(t, ValidateURL("not a url :://"))
}

func TestPolicyForReflectsConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingestion.MinRequestDelaySeconds = 7
	policy := cfg.PolicyFor()
	assert.Equal(t, 7, policy.MinRequestDelaySeconds)
}

func TestClampRequestDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingestion.MinRequestDelaySeconds = 5
	assert.Equal(t, 5, cfg.ClampRequestDelay(1))
	assert.Equal(t, 10, cfg.ClampRequestDelay(10))
}
