package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffMonotonicUntilSaturation(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1000 * time.Millisecond
	prev := time.Duration(0)
	for n := 0; n < 10; n++ {
		d := Backoff(n, base, max)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, max)
		require.GreaterOrEqual(t, d, prev)
		prev = d
	}
	require.Equal(t, max, Backoff(9, base, max))
}

func TestBackoffLiteralSequence(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1000 * time.Millisecond
	require.Equal(t, 100*time.Millisecond, Backoff(0, base, max))
	require.Equal(t, 200*time.Millisecond, Backoff(1, base, max))
	require.Equal(t, 400*time.Millisecond, Backoff(2, base, max))
}

func TestBackoffNegativeInputsAreZero(t *testing.T) {
	require.Equal(t, time.Duration(0), Backoff(0, -1, 1000))
	require.Equal(t, time.Duration(0), Backoff(0, 100, -1))
}

func TestBackoffSaturatesOnOverflow(t *testing.T) {
	max := 5 * time.Second
	d := Backoff(100, time.Second, max)
	require.Equal(t, max, d)
}
