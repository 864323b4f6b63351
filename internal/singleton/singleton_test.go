package singleton

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecondAcquireFails(t *testing.T) {
	name := Name + " " + t.Name()

	g, err := Acquire(name)
	require.NoError(t, err)

	_, err = Acquire(name)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, g.Release())
	g2, err := Acquire(name)
	require.NoError(t, err)
	require.NoError(t, g2.Release())
}
