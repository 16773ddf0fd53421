package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/graphflow/api"
	"github.com/BaSui01/graphflow/internal/graph"
	"github.com/BaSui01/graphflow/internal/queue"
	"github.com/BaSui01/graphflow/internal/storage"
	"github.com/BaSui01/graphflow/internal/stream"
	"github.com/BaSui01/graphflow/internal/task"
)

// blockingExecutor parks until its context ends, for cancel tests.
type blockingExecutor struct{}

func (blockingExecutor) Execute(ctx context.Context, input []byte, sink graph.Sink) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type apiEnv struct {
	store  *storage.Store
	broker *stream.Broker
	svc    *queue.Service
	server *httptest.Server
}

// newAPIEnv wires the full stack behind an httptest server: sqlite storage,
// broker, worker pool and all run routes.
func newAPIEnv(t *testing.T, exec graph.Executor, startWorkers bool) *apiEnv {
	t.Helper()
	logger := zap.NewNop()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	store, err := storage.NewStore(db, logger)
	require.NoError(t, err)

	broker := stream.NewBroker(logger, nil)
	mgr := queue.NewManager(queue.Config{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		JobTimeout:   5 * time.Second,
	}, store, broker, nil, exec, logger, nil)
	svc := queue.NewService(store, nil, mgr, broker, logger)

	if startWorkers {
		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = mgr.Run(ctx) }()
		t.Cleanup(cancel)
	}

	registry := task.NewRegistry(logger)
	t.Cleanup(registry.Close)
	heartbeat := &stream.Heartbeat{
		Interval: 50 * time.Millisecond,
		Registry: registry,
		Logger:   logger,
	}

	runs := NewRunHandler(store, svc, logger, nil)
	streams := NewStreamHandler(store, broker, svc, heartbeat, logger, nil)
	crons := NewCronHandler(store, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", runs.HandleCreateRun)
	mux.HandleFunc("POST /runs/batch", runs.HandleCreateRunBatch)
	mux.HandleFunc("POST /runs/stream", streams.HandleCreateRunStream)
	mux.HandleFunc("POST /runs/wait", streams.HandleCreateRunWait)
	mux.HandleFunc("POST /threads/{thread_id}/runs", runs.HandleCreateRun)
	mux.HandleFunc("POST /threads/{thread_id}/runs/stream", streams.HandleCreateRunStream)
	mux.HandleFunc("POST /threads/{thread_id}/runs/wait", streams.HandleCreateRunWait)
	mux.HandleFunc("GET /threads/{thread_id}/runs", runs.HandleListRuns)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}", runs.HandleGetRun)
	mux.HandleFunc("DELETE /threads/{thread_id}/runs/{run_id}", runs.HandleDeleteRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}/join", streams.HandleJoinRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}/stream", streams.HandleStreamRun)
	mux.HandleFunc("POST /threads/{thread_id}/runs/{run_id}/cancel", runs.HandleCancelRun)
	mux.HandleFunc("POST /runs/crons", crons.HandleCreateCron)
	mux.HandleFunc("POST /threads/{thread_id}/runs/crons", crons.HandleCreateCron)
	mux.HandleFunc("POST /runs/crons/search", crons.HandleSearchCrons)
	mux.HandleFunc("DELETE /runs/crons/{cron_id}", crons.HandleDeleteCron)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &apiEnv{store: store, broker: broker, svc: svc, server: server}
}

func (e *apiEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func (e *apiEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeRun(t *testing.T, resp *http.Response) api.Run {
	t.Helper()
	defer resp.Body.Close()
	var run api.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	return run
}

func TestHandleCreateRun_Stateless(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)

	resp := env.post(t, "/runs", api.CreateRunRequest{Input: []byte(`{"q":"hi"}`)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	run := decodeRun(t, resp)
	_, err := uuid.Parse(run.RunID)
	require.NoError(t, err, "run_id must be a well-formed UUID")
	assert.Equal(t, "pending", run.Status)
	assert.Empty(t, run.ThreadID)
	assert.Equal(t, []string{"values"}, run.StreamMode)
}

func TestHandleCreateRun_Stateful(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)
	threadID := uuid.New()

	resp := env.post(t, "/threads/"+threadID.String()+"/runs", api.CreateRunRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decodeRun(t, resp)
	assert.Equal(t, threadID.String(), run.ThreadID)

	// the thread materializes on first run
	thread, err := env.store.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, threadID, thread.ID)
}

func TestHandleCreateRun_Validation(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)

	resp := env.post(t, "/runs", map[string]any{"stream_mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/runs", map[string]any{"on_disconnect": "explode"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/runs", map[string]any{"unknown_field": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/threads/not-a-uuid/runs")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHandleCreateRunBatch(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)

	batch := []api.CreateRunRequest{
		{Input: []byte(`1`)},
		{Input: []byte(`2`)},
		{Input: []byte(`3`)},
	}
	resp := env.post(t, "/runs/batch", batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var runs []api.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 3, "batch of 3 returns exactly 3 records")

	seen := map[string]bool{}
	for _, run := range runs {
		assert.Equal(t, "pending", run.Status)
		assert.False(t, seen[run.RunID], "ids must be unique")
		seen[run.RunID] = true
	}

	resp = env.post(t, "/runs/batch", []api.CreateRunRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHandleGetRun_UnknownIs404(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)

	resp := env.do(t, http.MethodGet,
		fmt.Sprintf("/threads/%s/runs/%s", uuid.New(), uuid.New()))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHandleListRuns(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)
	threadID := uuid.New()

	for i := 0; i < 3; i++ {
		resp := env.post(t, "/threads/"+threadID.String()+"/runs", api.CreateRunRequest{})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := env.do(t, http.MethodGet, "/threads/"+threadID.String()+"/runs?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	var runs []api.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	assert.Len(t, runs, 2)

	resp = env.do(t, http.MethodGet, "/threads/"+threadID.String()+"/runs?status=nonsense")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHandleDeleteRun(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)
	threadID := uuid.New()

	resp := env.post(t, "/threads/"+threadID.String()+"/runs", api.CreateRunRequest{})
	run := decodeRun(t, resp)

	path := fmt.Sprintf("/threads/%s/runs/%s", threadID, run.RunID)
	resp = env.do(t, http.MethodDelete, path)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, path)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHandleCancelRun_WaitInterrupt(t *testing.T) {
	env := newAPIEnv(t, blockingExecutor{}, true)
	threadID := uuid.New()

	resp := env.post(t, "/threads/"+threadID.String()+"/runs", api.CreateRunRequest{})
	run := decodeRun(t, resp)

	// let a worker pick it up
	require.Eventually(t, func() bool {
		got, err := env.store.GetRun(context.Background(), uuid.MustParse(run.RunID), nil)
		return err == nil && got.Status == "running"
	}, 3*time.Second, 10*time.Millisecond)

	resp = env.do(t, http.MethodPost,
		fmt.Sprintf("/threads/%s/runs/%s/cancel?wait=true&action=interrupt", threadID, run.RunID))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "wait=true answers only after terminal")
	resp.Body.Close()

	got, err := env.store.GetRun(context.Background(), uuid.MustParse(run.RunID), nil)
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
}

func TestHandleCancelRun_NoWaitIs202(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)
	threadID := uuid.New()

	resp := env.post(t, "/threads/"+threadID.String()+"/runs", api.CreateRunRequest{})
	run := decodeRun(t, resp)

	resp = env.do(t, http.MethodPost,
		fmt.Sprintf("/threads/%s/runs/%s/cancel", threadID, run.RunID))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
}
