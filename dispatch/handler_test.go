package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/job"
)

func noop(context.Context, Invocation) (Result, error) { return Result{}, nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(HandlerFunc{Cmd: job.CommandSendEmail, Fn: noop})
	r.Register(HandlerFunc{Cmd: job.CommandDBBackup, Fn: noop})

	assert.True(t, r.Has(job.CommandSendEmail))
	assert.False(t, r.Has(job.CommandDataSync))
	assert.Nil(t, r.Get(job.CommandDataSync))
	assert.Equal(t, []job.Command{job.CommandDBBackup, job.CommandSendEmail}, r.Commands())

	assert.Panics(t, func() {
		r.Register(HandlerFunc{Cmd: job.CommandSendEmail, Fn: noop})
	})
}

func TestInvocationDecode(t *testing.T) {
	var v struct {
		URL string `json:"url"`
	}
	require.NoError(t, Invocation{}.Decode(&v), "empty payload decodes to zero value")
	assert.Empty(t, v.URL)

	inv := Invocation{Payload: []byte(`{"url":"https://example.com"}`)}
	require.NoError(t, inv.Decode(&v))
	assert.Equal(t, "https://example.com", v.URL)

	assert.Error(t, Invocation{Payload: []byte(`[1,2`)}.Decode(&v))
}
