package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-rpc-broker/internal/config"
)

func TestNewAppliesConfiguredLevel(t *testing.T) {
	logger, err := New(config.Logging{Level: "debug"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestNewDefaultsToInfoLevel(t *testing.T) {
	logger, err := New(config.Logging{})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(config.Logging{Level: "not-a-level"})
	require.Error(t, err)
}
