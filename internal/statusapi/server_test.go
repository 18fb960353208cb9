package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arb-executor/internal/execution"
	"arb-executor/internal/scheduler"
)

type fakeController struct {
	status    scheduler.Status
	requested []string
}

func (f *fakeController) Status() scheduler.Status { return f.status }

func (f *fakeController) CancelTask(id string) error { return f.record("cancel", id) }
func (f *fakeController) PauseTask(id string) error  { return f.record("pause", id) }
func (f *fakeController) ResumeTask(id string) error { return f.record("resume", id) }

func (f *fakeController) record(action, id string) error {
	if _, ok := f.status.Tasks[id]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
	}
	f.requested = append(f.requested, action+":"+id)
	return nil
}

func newFixture() (*fakeController, *httptest.Server) {
	ctl := &fakeController{status: scheduler.Status{
		Running:         true,
		ActiveTasks:     1,
		TotalExecutions: 7,
		Tasks: map[string]scheduler.TaskStatus{
			"task_a": {TaskID: "task_a", Kind: execution.KindIceberg, Status: execution.StatusExecuting, Phase: "WAITING", Executions: 7, Persisted: true},
		},
	}}
	return ctl, httptest.NewServer(NewServer(":0", ctl).Handler())
}

func TestStatusEndpoint(t *testing.T) {
	_, srv := newFixture()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got scheduler.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 1, got.ActiveTasks)
	assert.Equal(t, uint64(7), got.TotalExecutions)
	assert.Equal(t, execution.StatusExecuting, got.Tasks["task_a"].Status)
}

func TestTaskEndpoints(t *testing.T) {
	ctl, srv := newFixture()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tasks/task_a/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/tasks/task_x/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, action := range []string{"cancel", "pause", "resume"} {
		resp, err = http.Post(srv.URL+"/tasks/task_a/"+action, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, action)
	}
	assert.Equal(t, []string{"cancel:task_a", "pause:task_a", "resume:task_a"}, ctl.requested)

	resp, err = http.Post(srv.URL+"/tasks/task_x/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReflectsRunning(t *testing.T) {
	ctl, srv := newFixture()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctl.status.Running = false
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
