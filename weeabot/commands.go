package weeabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// CheckFunc runs before a command's handler. Returning false stops the
// command without an error reply. Returning an error stops the command
// and replies with the error.
type CheckFunc func(ctx context.Context, inv Invocation) (bool, error)

// CommandHandler executes a command.
type CommandHandler func(ctx context.Context, c *CommandContext) error

// Command describes a prefixed text command.
type Command struct {
	// Name is the word following the prefix
	Name string

	// Usage is shown by the help command
	Usage string

	Description string

	// GuildOnly commands reply with ErrNoPrivateMessage outside a guild
	GuildOnly bool

	// MinLevel is the level needed to use the command at all. Callers
	// below it get ErrMissingPermissions, and no request is made.
	MinLevel PermissionLevel

	// Request, if set, gates the command: callers below
	// Request.TargetLevel create a request instead of running it.
	Request *RequestDescriptor

	// Checks run in order, after MinLevel and before the request gate
	Checks []CheckFunc

	Handler CommandHandler
}

// CommandContext is passed to command handlers.
type CommandContext struct {
	Invocation Invocation

	// Args is the message content following the command name, trimmed
	Args string

	w *Weeabot
}

// Reply responds to the invoking message.
func (c *CommandContext) Reply(ctx context.Context, content string) error {
	return c.w.gateway.Reply(ctx, c.Invocation, content)
}

// Level resolves the invoker's permission level.
func (c *CommandContext) Level() PermissionLevel {
	return c.w.resolver.Resolve(c.Invocation)
}

// Dispatcher parses prefixed messages and runs the matching command.
type Dispatcher struct {
	prefix   string
	commands map[string]*Command
	mu       sync.RWMutex
	w        *Weeabot
	logger   *slog.Logger
}

func newDispatcher(w *Weeabot, prefix string) *Dispatcher {
	return &Dispatcher{
		prefix:   prefix,
		commands: map[string]*Command{},
		w:        w,
		logger:   w.logger.With(loggerNameKey, "dispatcher"),
	}
}

// Register adds a command. Commands with a RequestDescriptor get the
// request gate appended to their checks, so it runs last.
func (d *Dispatcher) Register(cmd Command) error {
	if cmd.Name == "" || strings.ContainsAny(cmd.Name, " \t\n") {
		return fmt.Errorf("invalid command name: %q", cmd.Name)
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %q has no handler", cmd.Name)
	}

	checks := make([]CheckFunc, 0, len(cmd.Checks)+1)
	checks = append(checks, cmd.Checks...)
	if cmd.Request != nil {
		checks = append(checks, d.w.engine.Check(*cmd.Request))
	}
	cmd.Checks = checks

	d.mu.Lock()
	defer d.mu.Unlock()
	name := strings.ToLower(cmd.Name)
	if _, exists := d.commands[name]; exists {
		return fmt.Errorf("command %q already registered", cmd.Name)
	}
	d.commands[name] = &cmd
	return nil
}

// Commands returns the registered commands, sorted by name.
func (d *Dispatcher) Commands() []Command {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cmds := make([]Command, 0, len(d.commands))
	for _, c := range d.commands {
		cmds = append(cmds, *c)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// parse splits content into a command name and its arguments. ok is
// false if content doesn't start with the prefix.
func (d *Dispatcher) parse(content string) (name string, args string, ok bool) {
	if d.prefix == "" || !strings.HasPrefix(content, d.prefix) {
		return "", "", false
	}
	content = strings.TrimSpace(strings.TrimPrefix(content, d.prefix))
	if content == "" {
		return "", "", false
	}
	name, args, _ = strings.Cut(content, " ")
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// Dispatch runs the command invoked by inv, if any. It returns true if
// the command's handler ran.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) bool {
	name, args, ok := d.parse(inv.Content)
	if !ok {
		return false
	}

	d.mu.RLock()
	cmd, ok := d.commands[name]
	d.mu.RUnlock()
	if !ok {
		return false
	}

	logger := d.logger.With("command", cmd.Name, "invocation", inv)
	ctx = WithLogger(ctx, logger)

	// approved requests are replayed even while paused
	if d.w.paused.Load() && !inv.Replay && !d.w.resolver.IsOperator(inv.UserID) {
		logger.InfoContext(ctx, "paused, ignoring command")
		return false
	}

	if d.w.RuntimeConfig().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
	}

	if cmd.GuildOnly && inv.Private() {
		d.replyError(ctx, inv, ErrNoPrivateMessage)
		return false
	}
	if cmd.MinLevel > PermissionNone && d.w.resolver.Resolve(inv) < cmd.MinLevel {
		d.replyError(ctx, inv, ErrMissingPermissions)
		return false
	}

	for _, check := range cmd.Checks {
		passed, err := check(ctx, inv)
		if err != nil {
			logger.InfoContext(ctx, "command check failed", tint.Err(err))
			d.replyError(ctx, inv, err)
			return false
		}
		if !passed {
			logger.DebugContext(ctx, "command check did not pass")
			return false
		}
	}

	logger.InfoContext(ctx, "running command")
	if err := cmd.Handler(ctx, &CommandContext{Invocation: inv, Args: args, w: d.w}); err != nil {
		logger.ErrorContext(ctx, "command error", tint.Err(err))
		d.replyError(ctx, inv, err)
	}
	return true
}

func (d *Dispatcher) replyError(ctx context.Context, inv Invocation, err error) {
	msg := userErrorMessage(err, d.w.config.Discord.ErrorMessage)
	if replyErr := d.w.gateway.Reply(ctx, inv, msg); replyErr != nil {
		d.logger.ErrorContext(ctx, "error sending error reply", tint.Err(replyErr))
	}
}

// handleRecover logs a recovered command panic. It's only used when
// [RuntimeConfig.RecoverPanic] is enabled.
func handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
