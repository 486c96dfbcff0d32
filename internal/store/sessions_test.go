package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidSessionTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{SessionStarting, SessionActive, true},
		{SessionStarting, SessionPaused, false},
		{SessionActive, SessionPaused, true},
		{SessionActive, SessionEnded, true},
		{SessionPaused, SessionActive, true},
		{SessionPaused, SessionPaused, false},
		{SessionError, SessionActive, true},
		{SessionStopped, SessionActive, true},
		{SessionEnded, SessionActive, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ValidSessionTransition(c.from, c.to), "ValidSessionTransition(%s, %s)", c.from, c.to)
	}
}

func TestNullIfEmpty(t *testing.T) {
	require.Nil(t, nullIfEmpty(""))
	require.Equal(t, "x", nullIfEmpty("x"))
}
