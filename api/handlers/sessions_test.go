package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/session"
	"github.com/BaSui01/agentrelay/types"
)

type recordingForgetter struct{ ids []string }

func (f *recordingForgetter) Forget(id string) { f.ids = append(f.ids, id) }

func newSessionMux(t *testing.T) (*http.ServeMux, *session.MemoryStore, *recordingForgetter) {
	t.Helper()
	store := session.NewMemoryStore(zap.NewNop())
	forget := &recordingForgetter{}
	mux := http.NewServeMux()
	NewSessionHandler(store, forget, zap.NewNop()).Register(mux)
	return mux, store, forget
}

func TestSessionHandler_Lifecycle(t *testing.T) {
	mux, _, forget := newSessionMux(t)

	w := serve(mux, http.MethodPost, "/api/v1/sessions", `{"id":"s1","task_id":"t1","platform":"claude"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var sess types.Session
	decodeData(t, w, &sess)
	assert.Equal(t, types.SessionActive, sess.Status)
	assert.False(t, sess.StartTime.IsZero())

	w = serve(mux, http.MethodPost, "/api/v1/sessions/s1/usage", `{"context_size":120000,"tokens_used":5000}`)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &sess)
	assert.EqualValues(t, 120000, sess.ContextSize)
	assert.EqualValues(t, 5000, sess.TokensUsed)

	w = serve(mux, http.MethodGet, "/api/v1/sessions", "")
	var list []types.Session
	decodeData(t, w, &list)
	assert.Len(t, list, 1)

	w = serve(mux, http.MethodDelete, "/api/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &sess)
	assert.Equal(t, types.SessionEnded, sess.Status)
	assert.Equal(t, []string{"s1"}, forget.ids)

	w = serve(mux, http.MethodGet, "/api/v1/sessions", "")
	list = nil
	decodeData(t, w, &list)
	assert.Empty(t, list, "ended sessions are not listed")
}

func TestSessionHandler_Errors(t *testing.T) {
	mux, _, forget := newSessionMux(t)

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"missing platform", http.MethodPost, "/api/v1/sessions", `{"id":"s1"}`, http.StatusBadRequest, types.ErrInvalidRequest},
		{"unknown field", http.MethodPost, "/api/v1/sessions", `{"id":"s1","platform":"claude","bogus":1}`, http.StatusBadRequest, types.ErrInvalidRequest},
		{"unknown session", http.MethodGet, "/api/v1/sessions/nope", "", http.StatusNotFound, types.ErrSessionNotFound},
		{"usage for unknown session", http.MethodPost, "/api/v1/sessions/nope/usage", `{"context_size":1}`, http.StatusNotFound, types.ErrSessionNotFound},
		{"negative usage", http.MethodPost, "/api/v1/sessions/nope/usage", `{"tokens_used":-1}`, http.StatusBadRequest, types.ErrInvalidRequest},
		{"end unknown session", http.MethodDelete, "/api/v1/sessions/nope", "", http.StatusNotFound, types.ErrSessionNotFound},
		{"unknown task", http.MethodGet, "/api/v1/tasks/nope", "", http.StatusNotFound, types.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(mux, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
	assert.Empty(t, forget.ids)
}

func TestSessionHandler_TaskState(t *testing.T) {
	mux, store, _ := newSessionMux(t)

	w := serve(mux, http.MethodPut, "/api/v1/tasks/t1", `{"status":"running","description":"refactor parser"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var st types.TaskState
	decodeData(t, w, &st)
	assert.Equal(t, "t1", st.TaskID, "path id wins over the body")
	assert.Equal(t, "running", st.Status)

	got, err := store.GetTaskState(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "refactor parser", got.Description)
}

func TestSessionHandler_Blocks(t *testing.T) {
	mux, _, _ := newSessionMux(t)

	body := `{"blocks":[
		{"id":"b1","content":"low","importance_score":0.2},
		{"id":"b2","content":"high","importance_score":0.9},
		{"id":"b3","content":"clamped","importance_score":4}
	]}`
	w := serve(mux, http.MethodPost, "/api/v1/tasks/t1/blocks", body)
	require.Equal(t, http.StatusOK, w.Code)
	var res BlocksResponse
	decodeData(t, w, &res)
	assert.Equal(t, BlocksResponse{TaskID: "t1", Received: 3, Added: 3}, res)

	// 重复 ID 被忽略
	w = serve(mux, http.MethodPost, "/api/v1/tasks/t1/blocks", `{"blocks":[{"id":"b1","content":"again"}]}`)
	decodeData(t, w, &res)
	assert.Equal(t, 0, res.Added)

	w = serve(mux, http.MethodGet, "/api/v1/tasks/t1/blocks?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var blocks []types.MemoryBlock
	decodeData(t, w, &blocks)
	require.Len(t, blocks, 2)
	assert.Equal(t, "b3", blocks[0].ID)
	assert.Equal(t, 1.0, blocks[0].ImportanceScore)
	assert.Equal(t, "b2", blocks[1].ID)

	w = serve(mux, http.MethodPost, "/api/v1/tasks/t1/blocks", `{"blocks":[{"content":"no id"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
