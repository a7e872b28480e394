package platform

import (
	"context"
	"testing"

	"github.com/BaSui01/agentrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	extracted []string
	injected  []string
}

func (r *recordingHook) ExtractState(_ context.Context, platform, sessionID string) (map[string]any, error) {
	r.extracted = append(r.extracted, platform+"/"+sessionID)
	return map[string]any{"custom": true}, nil
}

func (r *recordingHook) Inject(_ context.Context, pc *types.PreservedContext, platform string) error {
	r.injected = append(r.injected, platform+"/"+pc.ID)
	return nil
}

func TestHooks_Dispatch(t *testing.T) {
	ctx := context.Background()
	custom := &recordingHook{}
	hooks := NewHooks(nil)
	hooks.Register("codex", custom)

	state, err := hooks.ExtractState(ctx, "codex", "s1")
	require.NoError(t, err)
	assert.Equal(t, true, state["custom"])

	state, err = hooks.ExtractState(ctx, "claude", "s1")
	require.NoError(t, err)
	assert.Equal(t, "claude", state["platform"])
	assert.Equal(t, "s1", state["session_id"])
	assert.NotEmpty(t, state["extracted_at"])

	require.NoError(t, hooks.Inject(ctx, &types.PreservedContext{ID: "pc"}, "codex"))
	require.NoError(t, hooks.Inject(ctx, &types.PreservedContext{ID: "pc"}, "claude"))

	assert.Equal(t, []string{"codex/s1"}, custom.extracted)
	assert.Equal(t, []string{"codex/pc"}, custom.injected)
}

func TestDegradedResponder(t *testing.T) {
	r := NewDegradedResponder("")
	resp, err := r.Respond(context.Background(), Request{SessionID: "s1"}, []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, LastResortID, resp.AdapterID)
	assert.NotEmpty(t, resp.Content)
	assert.Equal(t, []string{"a", "b"}, resp.Metadata["attempted"])

	custom := NewDegradedResponder("try later")
	resp, _ = custom.Respond(context.Background(), Request{}, nil)
	assert.Equal(t, "try later", resp.Content)

	var fn Responder = ResponderFunc(func(context.Context, Request, []string) (*Response, error) {
		return &Response{Content: "fn"}, nil
	})
	resp, _ = fn.Respond(context.Background(), Request{}, nil)
	assert.Equal(t, "fn", resp.Content)
}
