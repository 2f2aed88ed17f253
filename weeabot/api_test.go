package weeabot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requestLogin posts the given credentials to the login endpoint.
func requestLogin(t testing.TB, bot *Weeabot, username, password string) *http.Response {
	t.Helper()
	loginData, err := json.Marshal(userLogin{Username: username, Password: password})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, apiPathLogin, bytes.NewReader(loginData))
	require.NoError(t, err)
	req.Header.Add("Content-Type", "application/json")

	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w.Result()
}

// apiLogin logs in as the test admin and returns the session cookie.
func apiLogin(t testing.TB, bot *Weeabot) *http.Cookie {
	t.Helper()
	resp := requestLogin(t, bot, bot.RuntimeConfig().AdminUsername, testAdminPassword(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

// apiRequest sends a request to the API, JSON-encoding body if it isn't
// nil.
func apiRequest(
	t testing.TB,
	bot *Weeabot,
	cookie *http.Cookie,
	method string,
	path string,
	body any,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}

	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func decodeResponse[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_LoginRateLimit(t *testing.T) {
	bot, _ := newTestWeeabot(t)
	username := bot.RuntimeConfig().AdminUsername

	assert.Equal(t, http.StatusOK, requestLogin(t, bot, username, testAdminPassword(t)).StatusCode)

	resultCodes := make(chan int, 5)
	wg := sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resultCodes <- requestLogin(t, bot, username, testAdminPassword(t)).StatusCode
		}()
	}
	wg.Wait()
	close(resultCodes)

	codesSeen := []int{}
	for rc := range resultCodes {
		codesSeen = append(codesSeen, rc)
	}
	assert.Containsf(
		t,
		codesSeen,
		http.StatusTooManyRequests,
		"expected to see %d, saw: %#v",
		http.StatusTooManyRequests,
		codesSeen,
	)
}

func TestAPI_LoggedIn(t *testing.T) {
	bot, _ := newTestWeeabot(t)

	resp := requestLogin(t, bot, bot.RuntimeConfig().AdminUsername, testAdminPassword(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]

	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, int(bot.config.API.SessionMaxAge.Seconds()), cookie.MaxAge)

	w := apiRequest(t, bot, cookie, http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fmt.Sprintf("user_%s", t.Name()), decodeResponse[loggedInResponse](t, w).Username)
}

func TestAPI_NotLoggedIn(t *testing.T) {
	bot, _ := newTestWeeabot(t)

	resp := requestLogin(t, bot, bot.RuntimeConfig().AdminUsername, "wrong_password")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	for _, path := range []string{apiPathLoggedIn, apiPathConfig, apiPathRequests, apiPathGuilds} {
		w := apiRequest(t, bot, nil, http.MethodGet, apiPrefix+path, nil)
		assert.Equalf(t, http.StatusUnauthorized, w.Code, "path: %s", path)
	}
}

func TestAPI_Logout(t *testing.T) {
	bot, _ := newTestWeeabot(t)
	cookie := apiLogin(t, bot)

	w := apiRequest(t, bot, cookie, http.MethodPost, apiPathLogout, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)

	w = apiRequest(t, bot, cookies[0], http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_HealthCheck(t *testing.T) {
	bot, f := newTestWeeabot(t)
	requireRequest(t, bot, f, f.UserID, "!say hello")

	w := apiRequest(t, bot, nil, http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, w.Code)

	health := decodeResponse[healthCheckResponse](t, w)
	assert.False(t, health.Paused)
	assert.Equal(t, int64(1), health.PendingRequests)
}

func TestAPI_Setup(t *testing.T) {
	bot, _ := newTestWeeabot(t)

	w := apiRequest(t, bot, nil, http.MethodGet, apiPathSetupStatus, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeResponse[setupResponse](t, w).Required)

	w = apiRequest(
		t,
		bot,
		nil,
		http.MethodPost,
		apiPathSetup,
		adminSetupPayload{Username: "admin", Password: "hunter2", ConfirmPassword: "hunter2"},
	)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, fmt.Sprintf("user_%s", t.Name()), bot.RuntimeConfig().AdminUsername)
}

func TestAPI_GetAndUpdateConfig(t *testing.T) {
	bot, f := newTestWeeabot(t)
	cookie := apiLogin(t, bot)

	w := apiRequest(t, bot, cookie, http.MethodGet, apiPrefix+apiPathConfig, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decodeResponse[RuntimeConfig](t, w)
	assert.Equal(t, bot.RuntimeConfig().DiscordNotificationChannelID, cfg.DiscordNotificationChannelID)

	w = apiRequest(
		t,
		bot,
		cookie,
		http.MethodPatch,
		apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{
			DiscordCustomStatus: strPtr("hello"),
			LogLevel:            dbLogLevelPtr(DBLogLevelInfo),
		},
	)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	updated := decodeResponse[RuntimeConfig](t, w)
	assert.Equal(t, "hello", updated.DiscordCustomStatus)
	assert.Equal(t, DBLogLevelInfo, updated.LogLevel)
	assert.Equal(t, "hello", bot.RuntimeConfig().DiscordCustomStatus)
	assert.Equal(t, "hello", f.session.getCustomStatus())

	w = apiRequest(
		t,
		bot,
		cookie,
		http.MethodPatch,
		apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{Paused: boolPtr(true)},
	)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, bot.paused.Load())
	assert.True(t, bot.RuntimeConfig().Paused)
}

func TestAPI_UpdateConfigBadPayload(t *testing.T) {
	bot, _ := newTestWeeabot(t)
	cookie := apiLogin(t, bot)

	w := apiRequest(
		t,
		bot,
		cookie,
		http.MethodPatch,
		apiPrefix+apiPathConfig,
		map[string]any{"log_level": "NOPE"},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(
		t,
		bot,
		cookie,
		http.MethodPatch,
		apiPrefix+apiPathConfig,
		map[string]any{"paused": "yes"},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, bot.RuntimeConfig().Paused)
}

func TestAPI_PauseResume(t *testing.T) {
	bot, _ := newTestWeeabot(t)
	cookie := apiLogin(t, bot)

	for _, tc := range []struct {
		path     string
		expected string
		paused   bool
	}{
		{path: apiPathPause, expected: "paused", paused: true},
		{path: apiPathPause, expected: "already paused", paused: true},
		{path: apiPathResume, expected: "resumed", paused: false},
		{path: apiPathResume, expected: "not paused", paused: false},
	} {
		w := apiRequest(t, bot, cookie, http.MethodPost, apiPrefix+tc.path, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, tc.expected, decodeResponse[httpReply](t, w).Message)
		assert.Equal(t, tc.paused, bot.paused.Load())
	}
}

func TestAPI_GetCommands(t *testing.T) {
	bot, _ := newTestWeeabot(t)
	cookie := apiLogin(t, bot)

	w := apiRequest(t, bot, cookie, http.MethodGet, apiPrefix+apiPathCommands, nil)
	require.Equal(t, http.StatusOK, w.Code)
	commands := decodeResponse[[]commandResponse](t, w)

	byName := map[string]commandResponse{}
	for _, cmd := range commands {
		byName[cmd.Name] = cmd
	}
	require.Contains(t, byName, commandSay)
	require.NotNil(t, byName[commandSay].RequestLevel)
	assert.Equal(t, PermissionGuild, *byName[commandSay].RequestLevel)
	assert.True(t, byName[commandSay].GuildOnly)

	require.Contains(t, byName, commandSetStatus)
	assert.Equal(t, PermissionGlobal, *byName[commandSetStatus].RequestLevel)

	require.Contains(t, byName, commandRequest)
	assert.Nil(t, byName[commandRequest].RequestLevel)
	assert.Equal(t, PermissionGuild, byName[commandRequest].MinLevel)
}

func TestAPI_ListRequests(t *testing.T) {
	bot, f := newTestWeeabot(t)
	cookie := apiLogin(t, bot)

	say, _ := requireRequest(t, bot, f, f.UserID, "!say hello")
	status, _ := requireRequest(t, bot, f, f.UserID, "!setstatus hi")

	tests := []struct {
		query    string
		expected []string
	}{
		{query: "", expected: []string{say.ID, status.ID}},
		{query: "?guild_id=" + f.GuildID, expected: []string{say.ID, status.ID}},
		{query: "?global=true", expected: []string{status.ID}},
		{query: "?guild_id=" + newSnowflake(), expected: []string{}},
	}
	for _, tc := range tests {
		w := apiRequest(t, bot, cookie, http.MethodGet, apiPrefix+apiPathRequests+tc.query, nil)
		require.Equal(t, http.StatusOK, w.Code)
		requests := decodeResponse[[]Request](t, w)
		ids := []string{}
		for _, r := range requests {
			ids = append(ids, r.MessageID)
		}
		assert.Equalf(t, tc.expected, ids, "query: %q", tc.query)
	}

	w := apiRequest(t, bot, cookie, http.MethodGet, apiPrefix+apiPathRequests+"?global=true", nil)
	requests := decodeResponse[[]Request](t, w)
	require.Len(t, requests, 1)
	assert.Equal(t, PermissionGlobal, requests[0].TargetLevel)
	assert.Equal(t, PermissionNone, requests[0].CurrentLevel)
	assert.Equal(t, "!setstatus hi", requests[0].Content)
}

func requestActionPath(messageID, action string) string {
	return fmt.Sprintf("%s/requests/%s/%s", apiPrefix, messageID, action)
}

func TestAPI_AcceptRequest(t *testing.T) {
	bot, f := newTestWeeabot(t)
	cookie := apiLogin(t, bot)

	msg, _ := requireRequest(t, bot, f, f.UserID, "!setstatus from the api")

	w := apiRequest(t, bot, cookie, http.MethodPost, requestActionPath(msg.ID, "accept"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "from the api", f.session.getCustomStatus())

	_, err := bot.store.GetByMessage(context.Background(), msg.ID)
	assert.ErrorIs(t, err, ErrRequestNotFound)

	w = apiRequest(t, bot, cookie, http.MethodPost, requestActionPath(msg.ID, "accept"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_RejectRequest(t *testing.T) {
	bot, f := newTestWeeabot(t)
	cookie := apiLogin(t, bot)

	withReason, _ := requireRequest(t, bot, f, f.UserID, "!say one")
	withoutReason, _ := requireRequest(t, bot, f, f.UserID, "!say two")

	w := apiRequest(
		t,
		bot,
		cookie,
		http.MethodPost,
		requestActionPath(withReason.ID, "reject"),
		rejectRequestPayload{Reason: "not today"},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, messagesContaining(f.session.sentTo(f.ChannelID), "your request was denied (not today)"), 1)

	w = apiRequest(t, bot, cookie, http.MethodPost, requestActionPath(withoutReason.ID, "reject"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(
		t,
		messagesContaining(
			f.session.sentTo(f.ChannelID),
			fmt.Sprintf("your request was denied (%s)", apiDefaultRejectReason),
		),
		1,
	)

	w = apiRequest(t, bot, cookie, http.MethodPost, requestActionPath(withoutReason.ID, "reject"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	total, err := bot.store.CountTotal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestAPI_ClearRequests(t *testing.T) {
	bot, f := newTestWeeabot(t)
	cookie := apiLogin(t, bot)

	requireRequest(t, bot, f, f.UserID, "!say one")
	requireRequest(t, bot, f, f.UserID, "!say two")

	w := apiRequest(t, bot, cookie, http.MethodPost, apiPrefix+apiPathRequestsClear, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(
		t,
		bot,
		cookie,
		http.MethodPost,
		apiPrefix+apiPathRequestsClear,
		clearRequestsPayload{GuildID: f.GuildID},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decodeResponse[clearRequestsResponse](t, w).Cleared)

	w = apiRequest(
		t,
		bot,
		cookie,
		http.MethodPost,
		apiPrefix+apiPathRequestsClear,
		clearRequestsPayload{Global: true},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, decodeResponse[clearRequestsResponse](t, w).Cleared)
}

func TestAPI_GuildSettings(t *testing.T) {
	bot, f := newTestWeeabot(t)
	cookie := apiLogin(t, bot)
	requireRequest(t, bot, f, f.UserID, "!say hello")

	w := apiRequest(t, bot, cookie, http.MethodGet, apiPrefix+apiPathGuilds, nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings := decodeResponse[[]GuildSetting](t, w)
	require.Len(t, settings, 1)
	assert.Equal(t, f.GuildID, settings[0].GuildID)

	w = apiRequest(t, bot, cookie, http.MethodGet, fmt.Sprintf("%s/guilds/%s", apiPrefix, f.GuildID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	setting := decodeResponse[guildSettingResponse](t, w)
	assert.True(t, setting.RequestsEnabled)
	assert.Equal(t, NullableString(f.RequestsChannelID), setting.RequestsChannelID)
	assert.Equal(t, int64(1), setting.PendingRequests)
}

func TestAPI_UpdateGuildSetting(t *testing.T) {
	bot, f := newTestWeeabot(t)
	cookie := apiLogin(t, bot)
	ctx := context.Background()
	guildID := newSnowflake()
	path := fmt.Sprintf("%s/guilds/%s", apiPrefix, guildID)

	w := apiRequest(t, bot, cookie, http.MethodPatch, path, guildSettingUpdate{RequestsEnabled: boolPtr(true)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	channelID := newSnowflake()
	w = apiRequest(
		t,
		bot,
		cookie,
		http.MethodPatch,
		path,
		guildSettingUpdate{RequestsEnabled: boolPtr(true), RequestsChannelID: strPtr(channelID)},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	saved := decodeResponse[GuildSetting](t, w)
	assert.True(t, saved.RequestsAvailable())

	setting, err := bot.guildSettings.GuildSetting(ctx, guildID)
	require.NoError(t, err)
	assert.Equal(t, NullableString(channelID), setting.RequestsChannelID)

	// requests can now be made there
	msg := f.newMessage(f.UserID, "!say hello")
	msg.GuildID = guildID
	bot.handleMessage(ctx, msg)
	assert.Len(t, f.session.sentTo(channelID), 1)

	w = apiRequest(t, bot, cookie, http.MethodPatch, path, guildSettingUpdate{RequestsEnabled: boolPtr(false)})
	require.Equal(t, http.StatusOK, w.Code)
	setting, err = bot.guildSettings.GuildSetting(ctx, guildID)
	require.NoError(t, err)
	assert.False(t, setting.RequestsAvailable())
	assert.Equal(t, NullableString(channelID), setting.RequestsChannelID)
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(requestIDMiddleware())

	r.GET(
		"/test", func(c *gin.Context) {
			requestID, exists := c.Get(xRequestIDHeader)
			assert.True(t, exists, "Request ID should exist in context")
			assert.Len(t, requestID.(string), 32)
			c.String(http.StatusOK, "test")
		},
	)

	previousID := ""
	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest(http.MethodGet, "/test", http.NoBody)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		requestID := w.Header().Get(xRequestIDHeader)
		assert.Len(t, requestID, 32)
		assert.NotEqual(t, previousID, requestID, "Request IDs should be unique")
		previousID = requestID
	}
}

func TestAPI_RequestMetrics(t *testing.T) {
	bot, _ := newTestWeeabot(t)

	for i := 0; i < 3; i++ {
		w := apiRequest(t, bot, nil, http.MethodGet, apiHealthCheck, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	bot.api.requestMetricsMu.Lock()
	defer bot.api.requestMetricsMu.Unlock()
	assert.Equal(t, 3, bot.api.requestMetrics[http.MethodGet+" "+apiHealthCheck])
}
