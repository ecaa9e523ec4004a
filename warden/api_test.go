package warden

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPISecret = "test-api-secret"

func apiFixture(t *testing.T) (*API, *Warden) {
	t.Helper()
	w, _ := newTestWarden(t)

	hashed, err := HashPassword(testAPISecret)
	require.NoError(t, err)
	w.config.API.Secret = hashed

	api, err := newAPI(w, w.config.API)
	require.NoError(t, err)
	return api, w
}

func apiRequest(
	t *testing.T,
	api *API,
	method string,
	path string,
	secret string,
	body string,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set("Authorization", authBearerPrefix+secret)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, req)
	return rec
}

func TestAPITLSOptional(t *testing.T) {
	w, _ := newTestWarden(t)

	// no certs configured: the server comes up plaintext
	api, err := newAPI(w, w.config.API)
	require.NoError(t, err)
	assert.Nil(t, api.httpServer.TLSConfig)

	// a configured but unreadable cert is still an error
	w.config.API.SSL.CertFile = filepath.Join(t.TempDir(), "missing.pem")
	w.config.API.SSL.KeyFile = filepath.Join(t.TempDir(), "missing.key")
	_, err = newAPI(w, w.config.API)
	require.Error(t, err)
}

func TestAPIHealthCheckPublic(t *testing.T) {
	api, _ := apiFixture(t)

	rec := apiRequest(t, api, http.MethodGet, apiHealthCheck, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(xRequestIDHeader))

	var payload healthCheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.False(t, payload.DiscordGatewayConnected)
}

func TestAPIAuth(t *testing.T) {
	api, _ := apiFixture(t)
	path := "/api/users/u1/stats"

	t.Run(
		"missing header", func(t *testing.T) {
			rec := apiRequest(t, api, http.MethodGet, path, "", "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		},
	)

	t.Run(
		"wrong secret", func(t *testing.T) {
			rec := apiRequest(t, api, http.MethodGet, path, "not-the-secret", "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		},
	)

	t.Run(
		"malformed header", func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, path, nil)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Basic "+testAPISecret)
			rec := httptest.NewRecorder()
			api.engine.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		},
	)

	t.Run(
		"correct secret", func(t *testing.T) {
			rec := apiRequest(t, api, http.MethodGet, path, testAPISecret, "")
			// authorized, but the user has no stats
			assert.Equal(t, http.StatusNotFound, rec.Code)
		},
	)
}

func TestAPIAuthDisabledWithoutSecret(t *testing.T) {
	w, _ := newTestWarden(t)
	w.config.API.Secret = ""
	api, err := newAPI(w, w.config.API)
	require.NoError(t, err)

	rec := apiRequest(
		t, api, http.MethodGet, "/api/users/u1/stats", testAPISecret, "",
	)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIUserStats(t *testing.T) {
	api, w := apiFixture(t)
	ctx := context.Background()

	w.stats.Increment(ctx, "u1", "guild-a", StatMessagesSent, 12)
	w.stats.Increment(ctx, "u1", "guild-a", StatVoiceTime, 300)
	w.stats.Increment(ctx, "u1", "guild-b", StatMessagesSent, 1)

	rec := apiRequest(
		t, api, http.MethodGet, "/api/users/u1/stats", testAPISecret, "",
	)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload userStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "u1", payload.UserID)
	require.Len(t, payload.Guilds, 2)
	assert.Equal(t, "guild-a", payload.Guilds[0].GuildID)
	assert.EqualValues(t, 12, payload.Guilds[0].Stats["messages_sent"])
	assert.EqualValues(t, 300, payload.Guilds[0].Stats["voice_time"])
	assert.Equal(t, "guild-b", payload.Guilds[1].GuildID)
}

func TestAPICommandToggles(t *testing.T) {
	api, w := apiFixture(t)
	ctx := context.Background()
	path := "/api/guilds/" + testGuildID + "/commands"

	rec := apiRequest(t, api, http.MethodGet, path, testAPISecret, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = apiRequest(
		t, api, http.MethodPost, path, testAPISecret,
		`{"command_name":"ban","enabled":false}`,
	)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, w.commandEnabled(ctx, testGuildID, DiscordSlashCommandBan))

	rec = apiRequest(t, api, http.MethodGet, path, testAPISecret, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var toggles []CommandToggle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &toggles))
	require.Len(t, toggles, 1)
	assert.Equal(t, "ban", toggles[0].CommandName)
	assert.False(t, toggles[0].Enabled)

	// re-enabling flips the same row
	rec = apiRequest(
		t, api, http.MethodPost, path, testAPISecret,
		`{"command_name":"ban","enabled":true}`,
	)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, w.commandEnabled(ctx, testGuildID, DiscordSlashCommandBan))
}

func TestAPICommandTogglePayloadValidation(t *testing.T) {
	api, _ := apiFixture(t)
	path := "/api/guilds/" + testGuildID + "/commands"

	rec := apiRequest(
		t, api, http.MethodPost, path, testAPISecret, `{"enabled":true}`,
	)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = apiRequest(
		t, api, http.MethodPost, path, testAPISecret, `{"command_name":"ban"}`,
	)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIRequestMetrics(t *testing.T) {
	api, _ := apiFixture(t)

	apiRequest(t, api, http.MethodGet, apiHealthCheck, "", "")
	apiRequest(t, api, http.MethodGet, apiHealthCheck, "", "")

	rec := apiRequest(t, api, http.MethodGet, "/api/metrics", testAPISecret, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var metrics map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Equal(t, 2, metrics["GET "+apiHealthCheck])
}
