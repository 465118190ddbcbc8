package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleExclusive(t *testing.T) {
	h := NewHandle("sim", NewSimulator(SimulatorConfig{}))

	require.NoError(t, h.Acquire())
	assert.True(t, h.Held())
	assert.ErrorIs(t, h.Acquire(), ErrHandleBusy)

	h.Release()
	assert.False(t, h.Held())
	require.NoError(t, h.Acquire())
	h.Release()

	require.NoError(t, h.Close())
}
