package commonutils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGoID(t *testing.T) {
	id := GoID()
	require.Positive(t, id)
	require.Equal(t, id, GoID(), "stable within a goroutine")

	other := make(chan int64)
	go func() { other <- GoID() }()
	require.NotEqual(t, id, <-other)
}

func TestCaller(t *testing.T) {
	c := Caller(1)
	require.True(t, strings.HasPrefix(c, "utils_test.go:"), c)
	require.Contains(t, c, "TestCaller")
}
