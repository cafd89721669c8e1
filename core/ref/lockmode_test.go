package ref

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLockMode(t *testing.T) {
	for _, m := range []LockMode{LockModeNone, LockModeRead, LockModeWrite, LockModeExclusive} {
		text, err := m.MarshalText()
		require.NoError(t, err)

		var parsed LockMode
		require.NoError(t, parsed.UnmarshalText(text))
		require.Equal(t, m, parsed)
	}

	m, err := ParseLockMode(" Exclusive ")
	require.NoError(t, err)
	require.Equal(t, LockModeExclusive, m)

	_, err = ParseLockMode("shared")
	require.Error(t, err)

	require.Equal(t, LockModeWrite, LockModeRead.Max(LockModeWrite))
	require.Equal(t, LockModeWrite, LockModeWrite.Max(LockModeNone))
}

func TestExclusivePolicy_Text(t *testing.T) {
	for _, p := range []ExclusivePolicy{ExclusiveBlocksArrivals, ExclusiveBlocksWriters} {
		text, err := p.MarshalText()
		require.NoError(t, err)
		var parsed ExclusivePolicy
		require.NoError(t, parsed.UnmarshalText(text))
		require.Equal(t, p, parsed)
	}
	var p ExclusivePolicy
	require.Error(t, p.UnmarshalText([]byte("blocks_everyone")))
}
