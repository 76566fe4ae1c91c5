package tokencount

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCount_EmptyStringIsZero(t *testing.T) {
	require.Equal(t, 0, Count(""))
}

func TestCount_NonEmptyIsPositiveAndMonotonic(t *testing.T) {
	short := Count("hello world")
	long := Count("hello world, this is a much longer sentence with many more words in it")
	require.Greater(t, short, 0)
	require.Greater(t, long, short)
}
