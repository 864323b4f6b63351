//go:build windows

package inject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

func TestFindModuleInCurrentProcess(t *testing.T) {
	proc, err := NewInjector().Open(windows.GetCurrentProcessId())
	require.NoError(t, err)
	defer proc.Close()

	assert.True(t, proc.Alive())

	mod, ok, err := proc.FindModule("KERNEL32.DLL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotZero(t, mod.Base)
	assert.True(t, len(mod.Path) > len(mod.Name))

	_, ok, err = proc.FindModule("cefguard_missing.dll")
	require.NoError(t, err)
	assert.False(t, ok)
}
