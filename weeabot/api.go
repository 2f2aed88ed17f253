package weeabot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix            = "/debug"
	apiPrefix              = "/api"
	apiPathPause           = "/pause"
	apiPathResume          = "/resume"
	apiPathQuit            = "/quit"
	apiPathLogin           = "/login"
	apiPathLogout          = "/logout"
	apiPathLoggedIn        = "/logged_in"
	apiHealthCheck         = "/healthz"
	apiPathConfig          = "/config"
	apiPathSetup           = "/setup"
	apiPathSetupStatus     = "/setup/status"
	apiAdminSetup          = apiPathSetup
	apiPathCommands        = "/commands"
	apiPathRequests        = "/requests"
	apiPathRequestsClear   = "/requests/clear"
	apiPathRequestAccept   = "/requests/:message_id/accept"
	apiPathRequestReject   = "/requests/:message_id/reject"
	apiPathGuilds          = "/guilds"
	apiPathGuildSetting    = "/guilds/:guild_id"
	apiDefaultRejectReason = "denied by an administrator"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP server: login, runtime config, pausing, and
// managing pending requests and guild settings.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store and routes. TLS is used
// if a certificate is configured.
func newAPI(w *Weeabot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel))

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(w)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(w))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathPause, apiHandlers.pause)
	protected.POST(apiPathResume, apiHandlers.resume)
	protected.GET(apiPathCommands, apiHandlers.getCommands)

	protected.GET(apiPathRequests, apiHandlers.getRequests)
	protected.POST(apiPathRequestsClear, apiHandlers.clearRequests)
	protected.POST(apiPathRequestAccept, apiHandlers.acceptRequest)
	protected.POST(apiPathRequestReject, apiHandlers.rejectRequest)

	protected.GET(apiPathGuilds, apiHandlers.getGuildSettings)
	protected.GET(apiPathGuildSetting, apiHandlers.getGuildSetting)
	protected.PATCH(apiPathGuildSetting, apiHandlers.updateGuildSetting)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) closeListener(ctx context.Context) {
	if a == nil || a.listener == nil {
		return
	}
	if err := a.listener.Close(); err != nil {
		a.logger.ErrorContext(ctx, "error closing listener", tint.Err(err))
	}
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints.
type APIHandlers struct {
	w      *Weeabot
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store, signed with the configured
// secret (or a random one, if unset).
func NewAPIHandlers(w *Weeabot) *APIHandlers {
	logger := w.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := w.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(w.config.API))
	return &APIHandlers{w: w, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		HttpOnly: true,
		Secure:   config.SSL.Cert != "" || config.Development,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// setupStatus reports whether admin credentials still need to be set.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.w.pendingSetup.Load()})
}

// adminSetup sets the admin credentials. It's only allowed while setup
// is pending.
//
// Responses:
//   - 201 Created: If the admin credentials were set.
//   - 400 Bad Request: If the request payload is invalid.
//   - 403 Forbidden: If setup isn't pending.
//   - 500 Internal Server Error: If the credentials couldn't be saved.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.w.cfgMu.Lock()
	defer h.w.cfgMu.Unlock()

	if !h.w.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, httpError{Error: e.Error()})
		return
	}

	password, err := HashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	currentState := h.w.runtimeConfig
	if _, err = h.w.writeDB.Updates(
		c.Request.Context(),
		currentState,
		map[string]any{
			columnRuntimeConfigAdminUsername: adminSetup.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	currentState.AdminUsername = adminSetup.Username
	currentState.AdminPassword = password
	h.w.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the given credentials against the admin
// credentials, and starts a session if they match. Attempts are rate
// limited.
//
// Responses:
//   - 200 OK: If the user was logged in.
//   - 400 Bad Request: If the request payload is invalid.
//   - 401 Unauthorized: If the credentials are incorrect or not set.
//   - 429 Too Many Requests: If the login attempts are rate limited.
//   - 500 Internal Server Error: If the session couldn't be saved.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.w.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.w.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil {
		// a stale or tampered cookie fails to decode, but still gets a
		// usable new session
		logger.Warn("error decoding existing session", tint.Err(err))
	}
	if session == nil {
		logger.Error("didn't get session")
		ginReplyError(c, "internal server error")
		return
	}
	opts := sessionOptions(h.w.config.API)
	session.Options = opts.ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports whether the bot is paused, connected to the
// discord gateway, and how many requests are pending.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Paused:                  h.w.paused.Load(),
		DiscordGatewayConnected: h.w.discord.connected.Load(),
		MessagesHandled:         h.w.discord.metricMessagesHandled.Load(),
		ReactionsHandled:        h.w.discord.metricReactionsHandled.Load(),
	}
	if h.w.store != nil {
		count, err := h.w.store.CountTotal(c.Request.Context())
		if err != nil {
			ginContextLogger(c).Error("error counting requests", tint.Err(err))
		}
		resp.PendingRequests = count
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.w.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.w.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config,
// persists it, and brings the bot in line with it.
//
// Responses:
//   - 202 Accepted: Returns the updated runtime configuration.
//   - 400 Bad Request: If the request payload is invalid.
//   - 500 Internal Server Error: If there is an error updating the configuration.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := c.Request.Context()

	var updateRequest RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updated, statusCode, err := h.applyRuntimeConfigUpdate(ctx, updateRequest)
	if err != nil {
		logger.ErrorContext(ctx, "error updating config", tint.Err(err))
		c.JSON(statusCode, httpError{Error: "error updating config"})
		return
	}

	c.JSON(http.StatusAccepted, updated)

	if h.w.dbNotifier != nil && h.w.config.DatabaseType == dbTypePostgres {
		if sent := h.w.dbNotifier.ReloadRuntimeConfig(ctx); !sent {
			logger.Error("error sending config update notification")
		}
	}
}

func (h *APIHandlers) applyRuntimeConfigUpdate(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, int, error) {
	w := h.w
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	previous := *w.runtimeConfig
	updated := previous
	values := update.updates()
	if len(values) == 0 {
		return previous, http.StatusAccepted, nil
	}

	statusCode := http.StatusInternalServerError
	err := w.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := tx.Model(&updated).Updates(values).Error; err != nil {
				return err
			}
			if err := tx.Take(&updated, updated.ID).Error; err != nil {
				return err
			}
			if err := structValidator.Struct(updated); err != nil {
				statusCode = http.StatusBadRequest
				return err
			}
			return nil
		},
	)
	if err != nil {
		return previous, statusCode, err
	}

	w.applyRuntimeConfig(ctx, previous, updated)
	w.runtimeConfig = &updated
	return updated, http.StatusAccepted, nil
}

// botQuit sends a stop signal to every instance.
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.w.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

func (h *APIHandlers) pause(c *gin.Context) {
	if !h.w.Pause(c.Request.Context()) {
		ginReplyMessage(c, "already paused")
		return
	}
	ginReplyMessage(c, "paused")
}

func (h *APIHandlers) resume(c *gin.Context) {
	if !h.w.Resume(c.Request.Context()) {
		ginReplyMessage(c, "not paused")
		return
	}
	ginReplyMessage(c, "resumed")
}

// getCommands lists the registered commands.
func (h *APIHandlers) getCommands(c *gin.Context) {
	commands := h.w.dispatcher.Commands()
	resp := make([]commandResponse, 0, len(commands))
	for _, cmd := range commands {
		r := commandResponse{
			Name:        cmd.Name,
			Usage:       cmd.Usage,
			Description: cmd.Description,
			GuildOnly:   cmd.GuildOnly,
			MinLevel:    cmd.MinLevel,
		}
		if cmd.Request != nil {
			target := cmd.Request.TargetLevel
			r.RequestLevel = &target
		}
		resp = append(resp, r)
	}
	c.JSON(http.StatusOK, resp)
}

// getRequests lists pending requests: in a single guild if guild_id is
// given, in the global scope if global is set, otherwise all of them.
func (h *APIHandlers) getRequests(c *gin.Context) {
	var query requestsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	var requests []Request
	var err error
	switch {
	case query.Global:
		requests, err = h.w.store.ListGlobal(ctx)
	case query.GuildID != "":
		requests, err = h.w.store.ListScope(ctx, query.GuildID)
	default:
		requests, err = h.w.store.ListAll(ctx)
	}
	if err != nil {
		ginContextLogger(c).ErrorContext(ctx, "error listing requests", tint.Err(err))
		ginReplyError(c, "error listing requests")
		return
	}
	if requests == nil {
		requests = []Request{}
	}
	c.JSON(http.StatusOK, requests)
}

// acceptRequest approves a request with global authority, replaying it.
func (h *APIHandlers) acceptRequest(c *gin.Context) {
	ctx := c.Request.Context()
	messageID := c.Param("message_id")
	logger := ginContextLogger(c).With("message_id", messageID)

	if _, err := h.w.store.GetByMessage(ctx, messageID); err != nil {
		h.replyRequestError(c, logger, err)
		return
	}
	raised, err := h.w.engine.Elevate(ctx, messageID, PermissionGlobal)
	if err != nil {
		h.replyRequestError(c, logger, err)
		return
	}
	if !raised {
		c.JSON(http.StatusNotFound, httpError{Error: ErrRequestNotFound.Error()})
		return
	}
	logger.InfoContext(ctx, "accepted request")
	ginReplyMessage(c, "accepted")
}

// rejectRequest denies a request, with an optional reason.
func (h *APIHandlers) rejectRequest(c *gin.Context) {
	ctx := c.Request.Context()
	messageID := c.Param("message_id")
	logger := ginContextLogger(c).With("message_id", messageID)

	var payload rejectRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
	}
	reason := strings.TrimSpace(payload.Reason)
	if reason == "" {
		reason = apiDefaultRejectReason
	}

	removed, err := h.w.engine.Reject(ctx, messageID, outcomeDenied, reason)
	if err != nil {
		h.replyRequestError(c, logger, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, httpError{Error: ErrRequestNotFound.Error()})
		return
	}
	logger.InfoContext(ctx, "rejected request", "reason", reason)
	ginReplyMessage(c, "rejected")
}

// clearRequests clears every request in a guild, or in the global scope.
func (h *APIHandlers) clearRequests(c *gin.Context) {
	var payload clearRequestsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	guildID := payload.GuildID
	if payload.Global {
		guildID = ""
	}
	n, err := h.w.engine.Clear(c.Request.Context(), guildID, "cleared by an administrator")
	if err != nil {
		ginContextLogger(c).Error("error clearing requests", tint.Err(err))
		ginReplyError(c, "error clearing requests")
		return
	}
	c.JSON(http.StatusOK, clearRequestsResponse{Cleared: n})
}

func (h *APIHandlers) replyRequestError(c *gin.Context, logger *slog.Logger, err error) {
	if errors.Is(err, ErrRequestNotFound) {
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
		return
	}
	logger.Error("error handling request", tint.Err(err))
	ginReplyError(c, "error handling request")
}

func (h *APIHandlers) getGuildSettings(c *gin.Context) {
	settings := h.w.guildSettings.List()
	c.JSON(http.StatusOK, settings)
}

// getGuildSetting returns a guild's settings and its pending request
// count.
func (h *APIHandlers) getGuildSetting(c *gin.Context) {
	ctx := c.Request.Context()
	guildID := c.Param("guild_id")
	setting, err := h.w.guildSettings.GuildSetting(ctx, guildID)
	if err != nil {
		ginReplyError(c, "error getting guild setting")
		return
	}
	count, err := h.w.store.CountByGuild(ctx, guildID)
	if err != nil {
		ginContextLogger(c).Error("error counting requests", tint.Err(err))
		ginReplyError(c, "error counting requests")
		return
	}
	c.JSON(http.StatusOK, guildSettingResponse{GuildSetting: setting, PendingRequests: count})
}

// updateGuildSetting enables or disables requests in a guild, or changes
// its requests channel. Requests can't be enabled without a channel.
func (h *APIHandlers) updateGuildSetting(c *gin.Context) {
	ctx := c.Request.Context()
	guildID := c.Param("guild_id")
	logger := ginContextLogger(c).With("guild_id", guildID)

	var payload guildSettingUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	setting, err := h.w.guildSettings.GuildSetting(ctx, guildID)
	if err != nil {
		ginReplyError(c, "error getting guild setting")
		return
	}
	if payload.RequestsEnabled != nil {
		setting.RequestsEnabled = *payload.RequestsEnabled
	}
	if payload.RequestsChannelID != nil {
		setting.RequestsChannelID = NullableString(*payload.RequestsChannelID)
	}
	if setting.RequestsEnabled && setting.RequestsChannelID == "" {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: "requests_channel_id is required to enable requests"},
		)
		return
	}

	saved, err := h.w.guildSettings.Save(ctx, setting)
	if err != nil {
		logger.Error("error saving guild setting", tint.Err(err))
		ginReplyError(c, "error saving guild setting")
		return
	}
	h.w.notifyGuildSettingUpdated(ctx, guildID)
	logger.Info("updated guild setting", "setting", saved)
	c.JSON(http.StatusOK, saved)
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool  `json:"paused"`
	PendingRequests         int64 `json:"pending_requests"`
	DiscordGatewayConnected bool  `json:"discord_gateway_connected"`
	MessagesHandled         int64 `json:"messages_handled"`
	ReactionsHandled        int64 `json:"reactions_handled"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload represents the payload for the initial admin setup.
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response for the setup status endpoint. Required
// is true until admin credentials are set.
type setupResponse struct {
	Required bool `json:"required"`
}

type commandResponse struct {
	Name         string           `json:"name"`
	Usage        string           `json:"usage"`
	Description  string           `json:"description"`
	GuildOnly    bool             `json:"guild_only"`
	MinLevel     PermissionLevel  `json:"min_level"`
	RequestLevel *PermissionLevel `json:"request_level,omitempty"`
}

type requestsQuery struct {
	GuildID string `form:"guild_id"`
	Global  bool   `form:"global"`
}

type rejectRequestPayload struct {
	Reason string `json:"reason" binding:"max=200"`
}

type clearRequestsPayload struct {
	GuildID string `json:"guild_id" binding:"required_without=Global"`
	Global  bool   `json:"global"`
}

type clearRequestsResponse struct {
	Cleared int `json:"cleared"`
}

type guildSettingResponse struct {
	GuildSetting
	PendingRequests int64 `json:"pending_requests"`
}

type guildSettingUpdate struct {
	RequestsEnabled   *bool   `json:"requests_enabled"`
	RequestsChannelID *string `json:"requests_channel_id" binding:"omitnil,max=32"`
}

// authMiddleware aborts with 401 unless the session belongs to a logged
// in admin. While setup is pending, every request is rejected.
func authMiddleware(w *Weeabot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if w.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		session, err := w.api.store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Warn("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// sets it as a response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and response
// status, and any errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateRequestsConfig, RequestsConfig{})
}
