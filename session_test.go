// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionServe(t *testing.T) {
	deadlines := make(chan time.Duration, 1)
	tr := TransportFunc(func(ctx context.Context, data []byte, host string, port int) error {
		d, ok := ctx.Deadline()
		if !ok {
			deadlines <- -1
			return nil
		}
		deadlines <- time.Until(d)
		return nil
	})

	s := NewSession(testIdentity(), testLocation(), tr,
		WithLogger(zerolog.Nop()),
		WithTimers(Timers{T1: 10 * time.Second, Send: 300 * time.Millisecond}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.NoError(t, s.RegisterProfile(context.Background()))
	select {
	case d := <-deadlines:
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
	}

	st, err := s.RegistrationState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Registering, st)

	// Second serve is refused
	require.Error(t, s.Serve(context.Background()))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	err = s.Hangup(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestTimersDefaults(t *testing.T) {
	tm := Timers{}.withDefaults()
	assert.Equal(t, 500*time.Millisecond, tm.T1)
	assert.Equal(t, 4*time.Second, tm.T2)
	assert.Equal(t, 32*time.Second, tm.Transaction)
	assert.Equal(t, 120*time.Second, tm.Invite)

	tm = Timers{T1: 100 * time.Millisecond}.withDefaults()
	assert.Equal(t, 6400*time.Millisecond, tm.Transaction)
}

func TestNewSessionGeneratesTag(t *testing.T) {
	id := &LocalIdentity{Username: "alice", Domain: "example.com"}
	NewSession(id, testLocation(), TransportFunc(func(context.Context, []byte, string, int) error { return nil }))
	assert.NotEmpty(t, id.Tag)
}
