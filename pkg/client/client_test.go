package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/api"
	"github.com/shehryarbajwa/browserpilot/internal/ratelimit"
	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/internal/stream"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

type registryCreator struct{ reg *session.Registry }

func (c registryCreator) CreateSession(req models.CreateSessionRequest) (models.SessionInfo, error) {
	sess, err := c.reg.Create("s1", req.Task)
	if err != nil {
		return models.SessionInfo{}, err
	}
	sess.SetPhase(models.PhaseRunning)
	return sess.Info(), nil
}

func newAPIServer(t *testing.T) *Client {
	t.Helper()
	reg := session.NewRegistry(session.Options{MaxSessions: 4, Linger: time.Minute})
	h := api.NewHandler(reg, registryCreator{reg}, nil, "test")
	router := h.SetupRoutes(stream.NewServer(reg, stream.Options{}), ratelimit.NewLimiter(3600, 100), nil)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		_ = reg.Close(context.Background())
		srv.Close()
	})
	return New(srv.URL, Options{ClientID: "cli-1"})
}

func TestClientSessionLifecycle(t *testing.T) {
	c := newAPIServer(t)
	ctx := context.Background()

	info, err := c.CreateSession(ctx, models.CreateSessionRequest{Task: "open the docs"})
	require.NoError(t, err)
	assert.Equal(t, "s1", info.ID)

	list, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	info, err = c.SendCommand(ctx, "s1", models.Command{Type: models.CommandPause})
	require.NoError(t, err)
	assert.Equal(t, models.PhasePaused, info.Phase)

	detail, err := c.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.PhasePaused, detail.Phase)
	assert.Nil(t, detail.Result)

	require.NoError(t, c.DeleteSession(ctx, "s1"))

	_, err = c.GetSession(ctx, "s1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Message, "session not found")
}

func TestClientCreateConflict(t *testing.T) {
	c := newAPIServer(t)
	ctx := context.Background()

	_, err := c.CreateSession(ctx, models.CreateSessionRequest{Task: "a"})
	require.NoError(t, err)
	_, err = c.CreateSession(ctx, models.CreateSessionRequest{Task: "b"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestWebSocketURL(t *testing.T) {
	c := New("https://pilot.example.com/", Options{ClientID: "cli 1"})
	assert.Equal(t, "wss://pilot.example.com/v1/sessions/s1/ws?client_id=cli+1&role=viewer", c.WebSocketURL("s1", "viewer"))

	c = New("http://localhost:8080", Options{})
	assert.Equal(t, "ws://localhost:8080/v1/sessions/s1/ws", c.WebSocketURL("s1", ""))
}
