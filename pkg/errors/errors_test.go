package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanteenError_Format(t *testing.T) {
	err := InvalidConfig("arena.actors", 1, "need at least 2 actors")
	require.Equal(t,
		"[E101] invalid configuration: need at least 2 actors (field=arena.actors, value=1)",
		err.Error())
	require.NotEmpty(t, err.StackTrace)
	require.Contains(t, err.FormatStack(), "TestCanteenError_Format")
}

func TestWrap(t *testing.T) {
	require.Nil(t, Wrap(nil, CodeUnknown, "nothing"))

	cause := context.DeadlineExceeded
	err := TransientActor(3, cause)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "actor=3")
	require.Contains(t, err.Error(), cause.Error())

	wrapped := fmt.Errorf("outer: %w", err)
	require.True(t, IsCode(wrapped, CodeTransientActor))
	require.Equal(t, CodeTransientActor, GetCode(wrapped))
	require.True(t, errors.Is(wrapped, New(CodeTransientActor, "")))
	require.False(t, errors.Is(wrapped, New(CodeLiveness, "")))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
		exit  int
	}{
		{"nil", nil, false, ExitOK},
		{"config", InvalidConfig("x", 0, "bad"), true, ExitConfig},
		{"renderer", UnknownRenderer("fancy", []string{"line"}), true, ExitConfig},
		{"config file", ConfigFile("/tmp/x.yaml", errors.New("boom")), true, ExitConfig},
		{"liveness", Liveness(time.Second, 0), true, ExitLiveness},
		{"transient", TransientActor(1, errors.New("boom")), false, ExitFailure},
		{"starved", Starved(1, time.Second), false, ExitFailure},
		{"canceled", ContextCanceled("acquire", context.Canceled), false, ExitFailure},
		{"plain", errors.New("plain"), false, ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.fatal, IsFatal(tt.err))
			require.Equal(t, tt.exit, ExitCode(tt.err))
		})
	}
	require.Equal(t, CodeUnknown, GetCode(errors.New("plain")))
}

func TestContextCanceled(t *testing.T) {
	err := ContextCanceled("acquire", context.DeadlineExceeded)
	require.True(t, IsCode(err, CodeContextCanceled))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, "acquire", err.Context["operation"])
}
