package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildLoggerAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := buildLogger(level)
		assert.NoError(t, err, level)
		assert.NotNil(t, logger, level)
	}
}

func TestBuildLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := buildLogger("verbose")
	assert.Error(t, err)
}

func TestConfigErrorWrapsUnderlyingError(t *testing.T) {
	inner := errors.New("bad listen-addr")
	ce := &configError{inner}
	assert.Equal(t, "bad listen-addr", ce.Error())
	assert.ErrorIs(t, ce, inner)
}
