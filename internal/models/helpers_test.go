package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRecipientPending(t *testing.T) {
	tests := []struct {
		state RecipientState
		want  bool
	}{
		{"", true},
		{StateIdle, true},
		{StateProcessing, true},
		{StateWaitingRetry, true},
		{StateComplete, false},
		{StateFailed, false},
	}
	for _, tt := range tests {
		r := &Recipient{Token: "tok", State: tt.state}
		assert.Equal(t, tt.want, IsRecipientPending(r), "state %q", tt.state)
	}
	assert.False(t, IsRecipientPending(nil))
}

func TestIsRecipientCoolingOff(t *testing.T) {
	now := time.Now()

	r := &Recipient{State: StateWaitingRetry, NextAttempt: now.Add(time.Minute)}
	assert.True(t, IsRecipientCoolingOff(r, now))

	// Strictly greater than: an exactly-due recipient is eligible.
	r.NextAttempt = now
	assert.False(t, IsRecipientCoolingOff(r, now))

	r.NextAttempt = now.Add(-time.Second)
	assert.False(t, IsRecipientCoolingOff(r, now))

	idle := &Recipient{State: StateIdle, NextAttempt: now.Add(time.Hour)}
	assert.False(t, IsRecipientCoolingOff(idle, now))
}

func TestScheduleRecipientRetryBackoffGrowsLinearly(t *testing.T) {
	now := time.Now()
	r := &Recipient{Token: "tok", State: StateProcessing}

	ScheduleRecipientRetry(r, 3, now)
	require.Equal(t, StateWaitingRetry, r.State)
	assert.Equal(t, 1, r.SendAttempts)
	assert.Equal(t, now.Add(2*time.Minute), r.NextAttempt)

	r.State = StateProcessing
	ScheduleRecipientRetry(r, 3, now)
	assert.Equal(t, 2, r.SendAttempts)
	assert.Equal(t, now.Add(4*time.Minute), r.NextAttempt)
}

func TestScheduleRecipientRetryExhaustsToFailed(t *testing.T) {
	now := time.Now()
	r := &Recipient{Token: "tok", State: StateProcessing, SendAttempts: 2}

	// attempts below the bound: one more retry is granted.
	ScheduleRecipientRetry(r, 3, now)
	require.Equal(t, StateWaitingRetry, r.State)
	require.Equal(t, 3, r.SendAttempts)

	// attempts at the bound: terminal, regardless of failure fatality.
	r.State = StateProcessing
	ScheduleRecipientRetry(r, 3, now)
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, 3, r.SendAttempts, "terminal state must not keep counting")
	assert.True(t, r.NextAttempt.IsZero(), "next attempt cleared on terminal fail")

	// Idempotent once failed.
	ScheduleRecipientRetry(r, 3, now)
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, 3, r.SendAttempts)
}

func TestIsMessageComplete(t *testing.T) {
	m := &Message{Recipients: []*Recipient{
		{Token: "a", State: StateComplete},
		{Token: "b", State: StateFailed},
	}}
	assert.True(t, IsMessageComplete(m))

	m.Recipients = append(m.Recipients, &Recipient{Token: "c", State: StateWaitingRetry})
	assert.False(t, IsMessageComplete(m))
}

func TestHasReadyRecipients(t *testing.T) {
	now := time.Now()
	m := &Message{MaxRetries: 3, Recipients: []*Recipient{
		{Token: "a", State: StateComplete},
		{Token: "b", State: StateWaitingRetry, NextAttempt: now.Add(time.Hour)},
	}}

	ready, err := HasReadyRecipients(m, now)
	require.NoError(t, err)
	assert.False(t, ready, "complete and cooling-off recipients are not ready")

	m.Recipients = append(m.Recipients, &Recipient{Token: "c", State: StateIdle})
	ready, err = HasReadyRecipients(m, now)
	require.NoError(t, err)
	assert.True(t, ready)

	// Over-budget recipients are not ready even when pending.
	m.Recipients = []*Recipient{{Token: "d", State: StateIdle, SendAttempts: 4}}
	ready, err = HasReadyRecipients(m, now)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestHasReadyRecipientsEmptyToken(t *testing.T) {
	m := &Message{Recipients: []*Recipient{{Token: ""}}}
	_, err := HasReadyRecipients(m, time.Now())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestFailMessagePreservesExistingFailure(t *testing.T) {
	existing := NewPlatformFailure(FailureNotRegistered, "NotRegistered", time.Now())
	m := &Message{Recipients: []*Recipient{
		{Token: "a", State: StateProcessing, Failure: existing},
		{Token: "b", State: StateProcessing},
	}}

	blame := NewPlatformFailure(FailureUnknown, "boom", time.Now())
	FailMessage(m, blame)

	assert.Equal(t, StateFailed, m.Recipients[0].State)
	assert.Equal(t, FailureNotRegistered, m.Recipients[0].Failure.Type)
	assert.Equal(t, FailureUnknown, m.Recipients[1].Failure.Type)
}
