package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/facelink/internal/store"
)

const testAddr = "98:D3:31:F5:2A:11"

func TestResolveConnectAddress(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	addr, err := resolveConnectAddress("", st)
	require.NoError(t, err)
	assert.Empty(t, addr)

	addr, err = resolveConnectAddress(testAddr, st)
	require.NoError(t, err)
	assert.Equal(t, testAddr, addr)

	_, err = resolveConnectAddress("last", st)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.Devices().MarkConnected(testAddr, "rfcomm", time.Now()))
	addr, err = resolveConnectAddress("last", st)
	require.NoError(t, err)
	assert.Equal(t, testAddr, addr)
}
