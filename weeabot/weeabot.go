package weeabot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Drowrin/Weeabot-sub000/weeabot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	// setupCheckInterval is how often Run checks whether admin
	// credentials have been set, while setup is pending
	setupCheckInterval = 5 * time.Second
)

// Weeabot is the bot: the discord session, the command dispatcher, the
// request engine gating elevated commands, and the admin API.
type Weeabot struct {
	dbNotifier DBNotifier
	config     *Config

	// Read connection
	db *gorm.DB

	// Write connection. With sqlite, writes are serialized.
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord       *Discord
	gateway       *Gateway
	engine        *Engine
	store         *RequestStore
	guildSettings *guildSettings
	resolver      PermissionResolver
	dispatcher    *Dispatcher
	confirmations *confirmations

	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, only the operator's commands are handled
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates admin credentials haven't been set yet. Run holds
	// after starting the API until they are.
	pendingSetup atomic.Bool

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// Tracks goroutines spawned by Run and the discord handlers, so
	// shutdown can wait on in-flight commands
	runtimeWG *sync.WaitGroup

	triggerRuntimeConfigRefreshCh chan bool
	triggerGuildSettingRefreshCh  chan string
	triggerGuildSettingsReloadCh  chan bool
}

// New creates a Weeabot from config. The database isn't opened, and
// discord isn't connected, until Run is called. Commands can be
// registered with [Weeabot.RegisterCommand] before then.
func New(config *Config) (*Weeabot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Requests == nil {
		config.Requests = DefaultRequestsConfig()
	}

	w := &Weeabot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		runtimeWG:                     &sync.WaitGroup{},
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerGuildSettingRefreshCh:  make(chan string, 1),
		triggerGuildSettingsReloadCh:  make(chan bool, 1),
		resolver:                      PermissionResolver{OperatorID: config.Discord.OwnerID},
		confirmations:                 newConfirmations(),
	}
	defaultConfig := DefaultRuntimeConfig()
	w.runtimeConfig = &defaultConfig

	w.logHandler = newLogHandler(defaultLogWriter, w.config.LogLevel)
	w.logger = slog.New(w.logHandler)
	slog.SetDefault(w.logger)

	w.config.Discord.httpClient = w.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(
			defaultLogWriter,
			w.config.Discord.DiscordGoLogLevel,
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(w.config.Discord)
	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, w.config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.w = w
	w.discord = disc

	w.gateway = newGateway(disc, config.Requests.StatusPostsPerSecond, disc.logger)

	w.engine = NewEngine(nil, w.gateway, w.resolver, nil, w.logger)
	w.engine.restoreConcurrency = max(config.Requests.RestoreConcurrency, 1)
	w.engine.dispatch = func(ctx context.Context, inv Invocation) {
		w.dispatcher.Dispatch(ctx, inv)
	}
	w.engine.notificationChannel = func() string {
		return w.RuntimeConfig().DiscordNotificationChannelID
	}

	w.dispatcher = newDispatcher(w, config.Discord.CommandPrefix)
	errs = append(errs, w.registerBuiltinCommands())

	api, err := newAPI(w, config.API)
	errs = append(errs, err)
	w.api = api

	return w, errors.Join(errs...)
}

// RegisterCommand adds a command to the dispatcher. Commands with a
// [RequestDescriptor] are gated by the request engine.
func (w *Weeabot) RegisterCommand(cmd Command) error {
	return w.dispatcher.Register(cmd)
}

func (w *Weeabot) ValidateConfig() error {
	return structValidator.Struct(w.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (w *Weeabot) RuntimeConfig() RuntimeConfig {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return *w.runtimeConfig
}

// Run opens the database, restores pending requests, connects to
// discord and handles commands until ctx is canceled or a stop signal
// is received, then shuts down gracefully.
func (w *Weeabot) Run(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.signalStop = make(chan struct{}, 1)

	w.startedAt = time.Now()
	logger := w.logger

	if err := w.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(w)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	w.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := w.runtimeWG

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", w.config))
	if w.signalReady == nil {
		w.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context, which triggers a graceful shutdown when
	// canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.signalStop:
			w.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			w.logger.Warn("context canceled, sending stop signal")
			w.signalStop <- struct{}{}
			return
		}
	}()

	if w.config.API.Enabled {
		go func() {
			httpErr := w.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				w.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- w.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			w.api.closeListener(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := w.waitOnSetup(ctx, logger); setupErr != nil {
		return setupErr
	}

	runtimeCfg := w.RuntimeConfig()
	if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled")
	}

	if discErr := w.initDiscordSession(ctx); discErr != nil {
		w.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err = w.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	// status messages can only be checked once connected
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if restoreErr := w.engine.Restore(ctx); restoreErr != nil {
			logger.ErrorContext(ctx, "error restoring requests", tint.Err(restoreErr))
		}
	}()

	w.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	w.startGuildSettingsRefresher(ctx, runtimeWG, logger)
	w.startRequestSweeper(ctx, runtimeWG, logger)

	w.signalReady <- struct{}{}
	w.logger.InfoContext(ctx, "sent ready signal")

	for _, channel := range []string{
		w.dbNotifier.RuntimeConfigChannelName(),
		w.dbNotifier.GuildSettingsChannelName(),
		w.dbNotifier.GuildSettingUpdateChannelName(),
		w.dbNotifier.StopChannelName(),
	} {
		runtimeWG.Add(1)
		go func(channel string) {
			defer runtimeWG.Done()
			if e := w.dbNotifier.Listen(ctx, channel); e != nil {
				w.logger.ErrorContext(ctx, "error listening to channel", "channel", channel, tint.Err(e))
			}
		}(channel)
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return w.shutdown(ctx, runtimeWG)
}

func (w *Weeabot) waitOnSetup(ctx context.Context, logger *slog.Logger) error {
	if !w.pendingSetup.Load() {
		return nil
	}

	addr := w.config.API.Listen
	if w.api.listener != nil {
		addr = w.api.listener.Addr().String()
	}
	logger.WarnContext(ctx, fmt.Sprintf("pending initial setup at: %s%s", addr, apiAdminSetup))

	ticker := time.NewTicker(setupCheckInterval)
	defer ticker.Stop()

	for {
		var runtimeState RuntimeConfig
		if err := w.db.WithContext(ctx).Last(&runtimeState).Error; err != nil {
			logger.ErrorContext(ctx, "error getting runtime state", tint.Err(err))
		}
		if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
			w.pendingSetup.Store(false)
			return nil
		}

		select {
		case <-ctx.Done():
			logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
			return w.shutdown(ctx, w.runtimeWG)
		case <-ticker.C:
		}
	}
}

// discordInit opens the discord websocket connection, if the gateway is
// enabled
func (w *Weeabot) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	w.logger.InfoContext(ctx, "connecting to discord")
	if err := w.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// startRuntimeConfigRefresher periodically refreshes [RuntimeConfig],
// and refreshes it on demand through triggerRuntimeConfigRefreshCh.
func (w *Weeabot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := w.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case w.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-w.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				w.refreshRuntimeConfig(refreshCtx, forceRefresh)
				refreshCancel()
			}
		}
	}()
}

func (w *Weeabot) refreshRuntimeConfig(ctx context.Context, force bool) {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	current := w.runtimeConfig

	var refreshed RuntimeConfig
	if err := w.db.WithContext(ctx).Last(&refreshed).Error; err != nil {
		w.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshed.UpdatedAt))
	if !force && lastUpdated <= w.config.RuntimeConfigTTL {
		w.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	w.logger.InfoContext(
		ctx,
		fmt.Sprintf("runtime config last updated: %s ago, refreshing", lastUpdated.String()),
	)
	w.applyRuntimeConfig(ctx, *current, refreshed)
	w.runtimeConfig = &refreshed
}

// applyRuntimeConfig brings the discord session, pause state and log
// levels in line with updated. Called with cfgMu held.
func (w *Weeabot) applyRuntimeConfig(ctx context.Context, previous RuntimeConfig, updated RuntimeConfig) {
	w.setRuntimeLevels(updated)
	w.paused.Store(updated.Paused)

	session := w.discord.session
	if session == nil {
		return
	}

	switch {
	case previous.DiscordGatewayEnabled && !updated.DiscordGatewayEnabled:
		if err := session.Close(); err != nil {
			w.logger.ErrorContext(ctx, "error closing discord connection", tint.Err(err))
		}
	case !previous.DiscordGatewayEnabled && updated.DiscordGatewayEnabled:
		session.SetIdentify(
			discordgo.Identify{
				Intents:  w.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(updated),
			},
		)
		if err := session.Open(); err != nil {
			w.logger.ErrorContext(ctx, "error opening discord connection", tint.Err(err))
		}
	case updated.DiscordGatewayEnabled:
		if previous.Paused == updated.Paused &&
			previous.DiscordCustomStatus == updated.DiscordCustomStatus {
			return
		}
		if err := w.updatePresence(updated); err != nil {
			w.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
}

func (w *Weeabot) updatePresence(config RuntimeConfig) error {
	presence := getDiscordPresenceStatusUpdate(config)
	if config.Paused {
		return w.discord.session.UpdateStatusComplex(
			discordgo.UpdateStatusData{AFK: presence.AFK, Status: presence.Status},
		)
	}
	return w.discord.updateCustomStatus(config.DiscordCustomStatus)
}

// startGuildSettingsRefresher reloads the guild settings cache every
// GuildSettingsTTL, and on demand: fully through
// triggerGuildSettingsReloadCh, or for a single guild through
// triggerGuildSettingRefreshCh.
func (w *Weeabot) startGuildSettingsRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	ttl := w.config.GuildSettingsTTL

	if ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case w.triggerGuildSettingsReloadCh <- true:
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending guild settings reload signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				logger.Info("context canceled, stopping guild settings refresher")
				return
			case <-w.triggerGuildSettingsReloadCh:
				if err := w.guildSettings.Load(ctx); err != nil {
					logger.ErrorContext(ctx, "error reloading guild settings", tint.Err(err))
				}
			case guildID := <-w.triggerGuildSettingRefreshCh:
				if guildID == "" {
					logger.Warn("empty guild ID received, skipping refresh")
					continue
				}
				if _, err := w.guildSettings.Reload(ctx, guildID); err != nil {
					logger.ErrorContext(
						ctx,
						"error reloading guild setting",
						"guild_id", guildID,
						tint.Err(err),
					)
				}
			}
		}
	}()
}

// startRequestSweeper expires old requests once on startup, then every
// [RequestsConfig.SweepInterval].
func (w *Weeabot) startRequestSweeper(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	maxAge := w.config.Requests.MaxAge
	interval := w.config.Requests.SweepInterval
	if maxAge <= 0 || interval <= 0 {
		logger.InfoContext(ctx, "request expiry disabled")
		return
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := w.engine.Sweep(ctx, maxAge); err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "error sweeping requests", tint.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// shutdown waits for in-flight work to finish, then stops the API and
// discord session. If that doesn't happen within ShutdownTimeout, it
// forces the API closed and returns an error.
func (w *Weeabot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	w.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if w.eventShutdown != nil {
			go func() {
				w.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := w.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		w.logger.Warn("immediate shutdown")
		go func() {
			_ = w.api.httpServer.Close()
		}()
		return fmt.Errorf("bot did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	w.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		w.logger.InfoContext(
			ctx,
			"finished handling in-flight commands",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if w.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				w.logger.InfoContext(ctx, "stopping http server")
				_ = w.api.httpServer.Shutdown(closeCtx)
				w.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if w.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				w.logger.InfoContext(ctx, "closing discord session")
				_ = w.discord.session.Close()
				w.logger.InfoContext(ctx, "discord session closed")
				for _, h := range w.discord.discordgoRemoveHandlerFuncs {
					h()
				}
			}()
		}

		go func() {
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
		}()
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			w.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			w.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline).String()),
			)
		case <-closeCtx.Done():
			w.logger.Warn("in-flight commands did not finish in time, forcing close")
			go func() {
				_ = w.api.httpServer.Close()
			}()
			return fmt.Errorf("bot did not stop in time")
		}
	}
}

// setRuntimeLevels sets the log levels of each component from state.
func (w *Weeabot) setRuntimeLevels(state RuntimeConfig) {
	w.config.LogLevel.Set(state.LogLevel.Level())
	w.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	w.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	w.config.API.LogLevel.Set(state.APILogLevel.Level())
	w.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
}

// initRun opens the database, loads (or creates) the runtime config and
// the guild settings cache, and wires the request store into the engine.
func (w *Weeabot) initRun(ctx context.Context) error {
	w.logger.Debug("initializing DB...")
	if err := w.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	w.logger.Debug("finished initializing DB")

	// the runtime config is persisted so a paused bot stays paused
	// across restarts
	var botState RuntimeConfig
	getStateErr := w.db.WithContext(ctx).Last(&botState).Error
	if getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		botState = DefaultRuntimeConfig()
		if _, err := w.writeDB.Create(ctx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		w.pendingSetup.Store(true)
	}
	w.paused.Store(botState.Paused)
	w.setRuntimeLevels(botState)

	w.cfgMu.Lock()
	w.runtimeConfig = &botState
	w.cfgMu.Unlock()

	w.guildSettings = newGuildSettings(w.db, w.writeDB, w.logger)
	if err := w.guildSettings.Load(ctx); err != nil {
		return fmt.Errorf("error loading guild settings: %w", err)
	}

	w.store = NewRequestStore(w.db, w.writeDB, w.config.Requests.Limits(), w.logger)
	w.engine.store = w.store
	w.engine.settings = w.guildSettings
	return nil
}

func (w *Weeabot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = w.logger
	}

	handler := newLogHandler(defaultLogWriter, w.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, w.config.DatabaseSlowThreshold)

	db, err := getDB(w.config.DatabaseType, w.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	w.db = db
	w.writeDB = NewDatabase(db, w.logger, w.config.DatabaseType == dbTypePostgres)

	if w.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")
	return nil
}

func (w *Weeabot) initDiscordSession(ctx context.Context) error {
	logger := w.logger.With(loggerNameKey, "discord_session")

	if w.discord.session == nil {
		disc, discErr := w.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		w.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range w.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	w.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  w.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(w.RuntimeConfig()),
		},
	)

	w.discord.discordgoRemoveHandlerFuncs = []func(){
		w.discord.session.AddHandler(w.discord.handlerConnect()),
		w.discord.session.AddHandler(w.discord.handlerDisconnect()),
		w.discord.session.AddHandler(w.discord.handlerReady()),
		w.discord.session.AddHandler(w.discord.handlerMessageCreate(ctx)),
		w.discord.session.AddHandler(w.discord.handlerMessageReactionAdd(ctx)),
	}
	return nil
}

// handleMessage dispatches a message, if it's a command. Messages from
// bots, including this one, are ignored.
func (w *Weeabot) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == w.discord.BotUserID() {
		return
	}
	if _, _, ok := w.dispatcher.parse(m.Content); !ok {
		return
	}

	inv := newInvocation(m)
	if !inv.Private() {
		perms, err := w.gateway.Permissions(ctx, inv.UserID, inv.ChannelID)
		if err != nil {
			w.logger.WarnContext(ctx, "error fetching user permissions", "invocation", inv, tint.Err(err))
		}
		inv.Permissions = perms
	}
	w.dispatcher.Dispatch(ctx, inv)
}

// handleReaction routes a reaction to a pending confirmation prompt, or
// to the request engine.
func (w *Weeabot) handleReaction(ctx context.Context, ev ReactionEvent) {
	if w.confirmations.Resolve(ev) {
		return
	}
	w.engine.HandleReaction(ctx, ev)
}

// notifyGuildSettingUpdated tells other instances sharing the database
// that guildID's setting changed.
func (w *Weeabot) notifyGuildSettingUpdated(ctx context.Context, guildID string) {
	if w.dbNotifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
	defer cancel()
	if !w.dbNotifier.GuildSettingUpdated(notifyCtx, guildID) {
		w.logger.WarnContext(ctx, "guild setting update notification failed", "guild_id", guildID)
	}
}

// setCustomStatus persists the bot's custom status, and shows it unless
// the bot is paused.
func (w *Weeabot) setCustomStatus(ctx context.Context, status string) error {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	if _, err := w.writeDB.Update(
		ctx,
		w.runtimeConfig,
		columnRuntimeConfigDiscordCustomStatus,
		status,
	); err != nil {
		return err
	}
	w.runtimeConfig.DiscordCustomStatus = status

	if !w.paused.Load() && w.runtimeConfig.DiscordGatewayEnabled {
		if err := w.discord.updateCustomStatus(status); err != nil {
			w.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
	if w.dbNotifier != nil && w.config.DatabaseType == dbTypePostgres {
		w.dbNotifier.ReloadRuntimeConfig(ctx)
	}
	return nil
}

// Pause stops handling commands from anyone but the operator. Returns
// false if the bot was already paused.
func (w *Weeabot) Pause(ctx context.Context) bool {
	if w.paused.Swap(true) {
		return false
	}
	w.logger.InfoContext(ctx, "bot paused")

	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	if err := w.discord.session.UpdateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		w.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}
	if !w.runtimeConfig.Paused {
		if _, err := w.writeDB.Update(ctx, w.runtimeConfig, columnRuntimeConfigPaused, true); err != nil {
			w.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
		w.runtimeConfig.Paused = true
	}
	return true
}

// Resume resumes command handling. Returns false if the bot wasn't
// paused.
func (w *Weeabot) Resume(ctx context.Context) bool {
	if !w.paused.Swap(false) {
		w.logger.WarnContext(ctx, "bot not paused")
		return false
	}
	w.logger.InfoContext(ctx, "bot resumed")

	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	if err := w.discord.updateCustomStatus(w.runtimeConfig.DiscordCustomStatus); err != nil {
		w.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}
	if w.runtimeConfig.Paused {
		if _, err := w.writeDB.Update(ctx, w.runtimeConfig, columnRuntimeConfigPaused, false); err != nil {
			w.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
		w.runtimeConfig.Paused = false
	}
	return true
}
