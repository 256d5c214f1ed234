package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTask(t *testing.T) *Task {
	t.Helper()
	m, err := NewMessageBuilder().
		AddDeviceTokens("tok-1").
		SetCredentials(gcmCredentials()).
		Build()
	require.NoError(t, err)

	task := NewTask("agency-alerts")
	task.Priority = TaskPriorityMedium
	task.AddMessage(m)
	return task
}

func TestVerifyTaskAcceptsValid(t *testing.T) {
	require.NoError(t, VerifyTask(validTask(t)))
}

func TestVerifyTaskRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{"no messages", func(task *Task) { task.Messages = nil }},
		{"client-supplied task id", func(task *Task) { task.ID = 7 }},
		{"client-supplied message id", func(task *Task) { task.Messages[0].ID = 7 }},
		{"client-supplied recipient id", func(task *Task) { task.Messages[0].Recipients[0].ID = 7 }},
		{"client-supplied credentials id", func(task *Task) { task.Messages[0].Credentials.ID = 7 }},
		{"empty recipient token", func(task *Task) { task.Messages[0].Recipients[0].Token = "" }},
		{"message without recipients", func(task *Task) { task.Messages[0].Recipients = nil }},
		{"missing credentials", func(task *Task) { task.Messages[0].Credentials = nil }},
		{"no pending recipients", func(task *Task) {
			for _, r := range task.Messages[0].Recipients {
				r.State = StateComplete
			}
		}},
		{"pre-attached failure", func(task *Task) {
			task.Messages[0].Recipients[0].Failure = &PlatformFailure{Type: FailureUnknown}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask(t)
			tt.mutate(task)
			err := VerifyTask(task)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr, "expected ValidationError, got %v", err)
		})
	}
}

func TestFailureTypeFatality(t *testing.T) {
	assert.True(t, FailureNotRegistered.IsFatal())
	assert.True(t, FailureUnknown.IsFatal())
	assert.True(t, FailurePayloadInvalid.IsFatal())
	assert.False(t, FailureTemporarilyUnavailable.IsFatal())
	assert.False(t, FailureRateExceeded.IsFatal())
	assert.False(t, FailurePlatformLimitExceeded.IsFatal())

	var none *PlatformFailure
	assert.False(t, none.IsFatal())
}
