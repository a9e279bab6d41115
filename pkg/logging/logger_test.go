package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		logger := New(level)
		assert.NotNil(t, logger)
		assert.NotNil(t, logger.Logger)
	}
}

func TestDefault(t *testing.T) {
	assert.NotNil(t, Default())
}

func TestWithComponent(t *testing.T) {
	root := New("debug")
	child := root.WithComponent("sweeper")
	assert.NotNil(t, child)
	assert.NotSame(t, root, child)

	var nilLogger *Logger
	assert.NotNil(t, nilLogger.WithComponent("sweeper"))
}
