package consumer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifier_Transient(t *testing.T) {
	c := NewClassifier([]string{"timeout", "connection", "temporary", "deadlock"})

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "timeout", err: errors.New("read timeout on socket"), want: true},
		{name: "case insensitive", err: errors.New("Connection refused"), want: true},
		{name: "deadlock", err: errors.New("database is deadlocked"), want: true},
		{name: "temporary", err: errors.New("temporary failure in name resolution"), want: true},
		{name: "domain error", err: errors.New("duplicate username"), want: false},
		{name: "empty message", err: errors.New(""), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, c.Transient("CreateUser", tt.err))
		})
	}
}

func TestClassifier_Override(t *testing.T) {
	c := NewClassifier([]string{"timeout"})
	c.Override("BookFx", []string{"rate unavailable"})

	// The override replaces the default set for that command only.
	require.True(t, c.Transient("BookFx", errors.New("FX rate unavailable")))
	require.False(t, c.Transient("BookFx", errors.New("timeout")))
	require.True(t, c.Transient("CreateUser", errors.New("timeout")))
}
