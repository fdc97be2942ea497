package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenkeeper/internal/credentials"
)

func TestHandlers_Healthz(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.AdminServer.Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandlers_HealthzStoreDown(t *testing.T) {
	app := newTestApp(t)
	require.NoError(t, app.Store.Close())

	rr := httptest.NewRecorder()
	app.handleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandlers_Status(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	_, err := app.Store.StoreToken(ctx, "fresh@example.com", credentials.TokenParams{
		AccessToken:  "ya29.fresh",
		RefreshToken: "1//refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = app.Store.StoreToken(ctx, "stale@example.com", credentials.TokenParams{
		AccessToken: "ya29.stale",
		ExpiresAt:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	app.handleStatus(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	require.Len(t, resp.Accounts, 2)
	fresh := resp.Accounts["fresh@example.com"]
	assert.True(t, fresh.Valid)
	assert.True(t, fresh.HasRefreshToken)
	stale := resp.Accounts["stale@example.com"]
	assert.False(t, stale.Valid)
	assert.False(t, stale.HasRefreshToken)

	require.NotNil(t, resp.Store)
	assert.EqualValues(t, 2, resp.Store.TotalTokens)
	assert.EqualValues(t, 1, resp.Store.ExpiredTokens)

	assert.Empty(t, resp.Tasks, "a status read must not schedule anything")
}
