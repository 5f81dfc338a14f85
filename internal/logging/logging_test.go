package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProductionBuildsSuccessfully(t *testing.T) {
	log, err := New(3, false)
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.NotPanics(t, func() { log.Info("hello") })
}

func TestNew_DevBuildsSuccessfully(t *testing.T) {
	log, err := New(1, true)
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestFor_AddsComponentField(t *testing.T) {
	base, err := New(1, false)
	require.NoError(t, err)

	child := For(base, "centralized")
	require.NotNil(t, child)
	assert.NotSame(t, base, child)
}
