package e2e

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/master-control/mcp/pkg/api"
	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/services"
)

const pollInterval = 50 * time.Millisecond

// postJSON posts body (nil for an empty body) to path, decodes a 200 response
// into out, and returns the status code.
func (app *TestApp) postJSON(path string, body any, out any) int {
	app.t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(app.t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	resp, err := http.Post(app.BaseURL+path, "application/json", reader)
	require.NoError(app.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(app.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// getJSON fetches path, decodes a 200 response into out, and returns the
// status code.
func (app *TestApp) getJSON(path string, out any) int {
	app.t.Helper()
	resp, err := http.Get(app.BaseURL + path)
	require.NoError(app.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(app.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// CreateTask submits a query through the API and returns the new task id.
// An empty template means the server picks the default.
func (app *TestApp) CreateTask(userID, query, template string) string {
	app.t.Helper()
	var created api.CreateTaskResponse
	status := app.postJSON("/api/v1/tasks", &api.CreateTaskRequest{
		Query:        query,
		UserID:       userID,
		TemplateName: template,
	}, &created)
	require.Equal(app.t, http.StatusOK, status)
	require.NotEmpty(app.t, created.TaskID)
	require.Equal(app.t, "created", created.Status)
	return created.TaskID
}

// GetTask fetches the full task record through the API.
func (app *TestApp) GetTask(taskID string) *models.TaskRecord {
	app.t.Helper()
	var rec models.TaskRecord
	status := app.getJSON("/api/v1/tasks/"+taskID, &rec)
	require.Equal(app.t, http.StatusOK, status)
	return &rec
}

// GetProgress fetches the live progress view through the API.
func (app *TestApp) GetProgress(taskID string) *services.ProgressView {
	app.t.Helper()
	var view services.ProgressView
	status := app.getJSON("/api/v1/tasks/"+taskID+"/progress", &view)
	require.Equal(app.t, http.StatusOK, status)
	return &view
}

// AbortTask posts an abort and returns the response with the status code,
// leaving assertions to the caller since scenarios probe failure paths too.
func (app *TestApp) AbortTask(taskID string) (*api.AbortTaskResponse, int) {
	app.t.Helper()
	var resp api.AbortTaskResponse
	status := app.postJSON("/api/v1/tasks/"+taskID+"/abort", nil, &resp)
	return &resp, status
}

// WaitForTaskStatus polls the progress endpoint until the task reports the
// wanted status, returning the final view.
func (app *TestApp) WaitForTaskStatus(taskID string, want models.TaskStatus, timeout time.Duration) *services.ProgressView {
	app.t.Helper()
	var view services.ProgressView
	require.Eventually(app.t, func() bool {
		resp, err := http.Get(app.BaseURL + "/api/v1/tasks/" + taskID + "/progress")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return false
		}
		return view.Status == want
	}, timeout, pollInterval, "task %s never reached status %s", taskID, want)
	return &view
}
