package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Address   string        `validate:"required"`
	Interval  time.Duration `validate:"gt=0"`
	MaxMemory ByteSize
	Tags      []string
}

func writeFile(t *testing.T, dir string, name string, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigWith(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "address: localhost:5010\ninterval: 2s\nmaxMemory: 512MB\ntags: a,b\n")
	override := writeFile(t, dir, "override.yaml", "interval: 5s\n")

	cfg := sampleConfig{}
	err := LoadConfigWith(viper.New(), &cfg, dir, []string{override})

	require.NoError(t, err)
	assert.Equal(t, "localhost:5010", cfg.Address)
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Equal(t, ByteSize(512*1024*1024), cfg.MaxMemory)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)
}

func TestLoadConfigWith_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "address: localhost:5010\ninterval: 2s\n")
	t.Setenv("CRANK_ADDRESS", "0.0.0.0:6000")

	cfg := sampleConfig{}
	require.NoError(t, LoadConfigWith(viper.New(), &cfg, dir, nil))

	assert.Equal(t, "0.0.0.0:6000", cfg.Address)
}

func TestLoadConfigWith_MissingDefault(t *testing.T) {
	cfg := sampleConfig{}
	assert.Error(t, LoadConfigWith(viper.New(), &cfg, t.TempDir(), nil))
}

func TestValidate(t *testing.T) {
	err := Validate(sampleConfig{Interval: 0})
	require.Error(t, err)

	logger, hook := test.NewNullLogger()
	LogValidationErrors(logrus.NewEntry(logger), err)

	problems := map[string]string{}
	for _, e := range hook.AllEntries() {
		problems[e.Data["field"].(string)] = e.Message
	}
	assert.Equal(t, map[string]string{
		"Address":  "value is required",
		"Interval": "value 0s must be greater than 0",
	}, problems)
}

func TestLogValidationErrors_OtherError(t *testing.T) {
	logger, hook := test.NewNullLogger()

	LogValidationErrors(logrus.NewEntry(logger), errors.New("gracefulStopTimeout must be shorter"))

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "Invalid configuration", hook.LastEntry().Message)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestLogValidationErrors_Nil(t *testing.T) {
	logger, hook := test.NewNullLogger()

	LogValidationErrors(logrus.NewEntry(logger), nil)

	assert.Empty(t, hook.AllEntries())
}
