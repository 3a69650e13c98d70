package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	qerr "github.com/ppuertot/queue-processor-system/internal/errors"
	"github.com/ppuertot/queue-processor-system/internal/job"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	require.Equal(t, []string{"api", "cleanup", "email", "export", "file", "image"}, r.Types())
	require.True(t, r.Has("email"))
	require.False(t, r.Has("fax"))

	h, err := r.Resolve("email")
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = r.Resolve("fax")
	require.Error(t, err)
	require.True(t, qerr.IsHandlerNotFound(err))
}

func TestEmailHandler(t *testing.T) {
	h := Email()
	env := &job.Envelope{
		ID:      "j1",
		Type:    "email",
		Payload: json.RawMessage(`{"to":["a@b","c@d"],"subject":"hi"}`),
	}

	var last int
	result, err := h.Run(context.Background(), env, func(p int) { last = p })
	require.NoError(t, err)
	require.Equal(t, 100, last)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result, &out))
	require.EqualValues(t, 2, out["sent"])
}

func TestEmailHandlerRejectsEmptyRecipients(t *testing.T) {
	h := Email()
	env := &job.Envelope{ID: "j1", Type: "email", Payload: json.RawMessage(`{"to":[]}`)}

	_, err := h.Run(context.Background(), env, func(int) {})
	require.Error(t, err)
	require.True(t, qerr.IsHandler(err))
}

func TestEmailHandlerRejectsMalformedPayload(t *testing.T) {
	h := Email()
	env := &job.Envelope{ID: "j1", Type: "email", Payload: json.RawMessage(`"not an object"`)}

	_, err := h.Run(context.Background(), env, func(int) {})
	require.Error(t, err)
}

func TestHandlerHonorsCancellation(t *testing.T) {
	h := Export()
	env := &job.Envelope{ID: "j1", Type: "export", Payload: json.RawMessage(`{"query":"SELECT 1"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Run(ctx, env, func(int) {})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAPIHandlerRequiresURL(t *testing.T) {
	h := API()
	env := &job.Envelope{ID: "j1", Type: "api", Payload: json.RawMessage(`{"method":"GET"}`)}

	_, err := h.Run(context.Background(), env, func(int) {})
	require.Error(t, err)
	require.True(t, qerr.IsHandler(err))
}
