package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/graphflow/api"
	"github.com/BaSui01/graphflow/internal/graph"
)

func decodeCron(t *testing.T, resp *http.Response) api.Cron {
	t.Helper()
	defer resp.Body.Close()
	var c api.Cron
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	return c
}

func TestHandleCreateCron(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)

	resp := env.post(t, "/runs/crons", api.CreateCronRequest{
		Schedule: "*/5 * * * *",
		Input:    []byte(`{"job":"sweep"}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c := decodeCron(t, resp)

	_, err := uuid.Parse(c.CronID)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", c.Schedule)
	assert.True(t, c.NextRunAt.After(time.Now()), "next fire must be in the future")
	assert.Empty(t, c.ThreadID)
}

func TestHandleCreateCron_Threaded(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)
	threadID := uuid.New()

	resp := env.post(t, "/threads/"+threadID.String()+"/runs/crons", api.CreateCronRequest{
		Schedule: "0 0 * * *",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c := decodeCron(t, resp)
	assert.Equal(t, threadID.String(), c.ThreadID)
}

func TestHandleCreateCron_Invalid(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)

	resp := env.post(t, "/runs/crons", api.CreateCronRequest{Schedule: "not a schedule"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	past := time.Now().Add(-time.Hour)
	resp = env.post(t, "/runs/crons", api.CreateCronRequest{
		Schedule: "* * * * *",
		EndTime:  &past,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHandleSearchCrons(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)
	threadID := uuid.New()

	resp := env.post(t, "/runs/crons", api.CreateCronRequest{Schedule: "* * * * *"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = env.post(t, "/threads/"+threadID.String()+"/runs/crons", api.CreateCronRequest{Schedule: "* * * * *"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/runs/crons/search", api.SearchCronsRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []api.Cron
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	resp.Body.Close()
	assert.Len(t, all, 2)

	resp = env.post(t, "/runs/crons/search", api.SearchCronsRequest{ThreadID: threadID.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var scoped []api.Cron
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&scoped))
	resp.Body.Close()
	require.Len(t, scoped, 1)
	assert.Equal(t, threadID.String(), scoped[0].ThreadID)
}

func TestHandleDeleteCron(t *testing.T) {
	env := newAPIEnv(t, &graph.EchoExecutor{}, false)

	resp := env.post(t, "/runs/crons", api.CreateCronRequest{Schedule: "* * * * *"})
	c := decodeCron(t, resp)

	resp = env.do(t, http.MethodDelete, "/runs/crons/"+c.CronID)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/runs/crons/"+c.CronID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
