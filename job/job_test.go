package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
)

func TestValidate(t *testing.T) {
	at := time.Now().Add(time.Hour)

	tests := []struct {
		name    string
		job     Job
		wantErr string
	}{
		{
			name: "valid one-time",
			job:  Job{OwnerID: "o", Name: "backup", Type: TypeOneTime, Command: CommandDBBackup, ScheduledAt: &at},
		},
		{
			name: "valid recurring",
			job:  Job{OwnerID: "o", Name: "cleanup", Type: TypeRecurring, Command: CommandCleanupLogs, CronExpr: "0 0 * * *"},
		},
		{
			name:    "missing owner",
			job:     Job{Name: "x", Type: TypeOneTime, Command: CommandDBBackup, ScheduledAt: &at},
			wantErr: "owner is required",
		},
		{
			name:    "missing name",
			job:     Job{OwnerID: "o", Type: TypeOneTime, Command: CommandDBBackup, ScheduledAt: &at},
			wantErr: "name is required",
		},
		{
			name:    "unknown command",
			job:     Job{OwnerID: "o", Name: "x", Type: TypeOneTime, Command: "RM_RF", ScheduledAt: &at},
			wantErr: "unknown command",
		},
		{
			name:    "one-time without instant",
			job:     Job{OwnerID: "o", Name: "x", Type: TypeOneTime, Command: CommandDBBackup},
			wantErr: "scheduledAt is required",
		},
		{
			name:    "recurring without cron",
			job:     Job{OwnerID: "o", Name: "x", Type: TypeRecurring, Command: CommandDBBackup},
			wantErr: "cronExpr is required",
		},
		{
			name:    "recurring with bad cron",
			job:     Job{OwnerID: "o", Name: "x", Type: TypeRecurring, Command: CommandDBBackup, CronExpr: "every day"},
			wantErr: "invalid cron expression",
		},
		{
			name:    "bad type",
			job:     Job{OwnerID: "o", Name: "x", Type: "sometimes", Command: CommandDBBackup},
			wantErr: "type must be one of",
		},
		{
			name:    "negative retries",
			job:     Job{OwnerID: "o", Name: "x", Type: TypeOneTime, Command: CommandDBBackup, ScheduledAt: &at, MaxRetries: -1},
			wantErr: "maxRetries",
		},
		{
			name:    "payload not an object",
			job:     Job{OwnerID: "o", Name: "x", Type: TypeOneTime, Command: CommandDBBackup, ScheduledAt: &at, Payload: json.RawMessage(`[1,2]`)},
			wantErr: "payload must be a JSON object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalize(t *testing.T) {
	j := Job{
		Name:        "  report  ",
		Type:        TypeRecurring,
		CronExpr:    " 0 9 * * 1 ",
		ScheduledAt: ptr(time.Now()),
	}
	j.Normalize()

	assert.Equal(t, "report", j.Name)
	assert.Equal(t, "0 9 * * 1", j.CronExpr)
	assert.Nil(t, j.ScheduledAt, "recurring jobs carry no scheduled instant")
	assert.JSONEq(t, `{}`, string(j.Payload))
}

func TestInitialStatus(t *testing.T) {
	assert.Equal(t, StatusScheduled, InitialStatus(TypeOneTime))
	assert.Equal(t, StatusActive, InitialStatus(TypeRecurring))
}

func TestCommandValid(t *testing.T) {
	for _, c := range Commands() {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Command("db_backup").Valid())
}

func TestClampPage(t *testing.T) {
	page, limit := ClampPage(0, 0)
	assert.Equal(t, 1, page)
	assert.Equal(t, DefaultPageLimit, limit)

	_, limit = ClampPage(3, 1000)
	assert.Equal(t, MaxPageLimit, limit)

	assert.Equal(t, 3, TotalPages(41, 20))
	assert.Equal(t, 0, TotalPages(0, 20))
}

func ptr[T any](v T) *T { return &v }
