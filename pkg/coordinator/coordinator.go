// Package coordinator is the central event coordinator. One goroutine owns
// the bus queue, the alert and recommendation lists, the proactive actions and
// the learning memory; every public method is executed by that goroutine.
//
// Handlers receive a context marked as running inside the coordinator. Calls
// made with that context run inline, so a handler may emit further events or
// read state without deadlocking. A handler that calls back with some other
// context is still recognised as running on the coordinator goroutine; the
// call runs inline and a warning is logged.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/pulse/pkg/alerts"
	"github.com/Mindburn-Labs/pulse/pkg/bus"
	"github.com/Mindburn-Labs/pulse/pkg/clock"
	"github.com/Mindburn-Labs/pulse/pkg/contracts"
	"github.com/Mindburn-Labs/pulse/pkg/insight"
	"github.com/Mindburn-Labs/pulse/pkg/memory"
	"github.com/Mindburn-Labs/pulse/pkg/proactive"
	"github.com/Mindburn-Labs/pulse/pkg/recommend"
)

// Default tick periods.
const (
	DefaultDrainInterval     = 500 * time.Millisecond
	DefaultProactiveInterval = 10 * time.Second
)

var (
	// ErrStopped is returned by every method after Cleanup.
	ErrStopped = errors.New("coordinator: stopped")
	// ErrInvalidConfig is returned by New for negative intervals or delays.
	ErrInvalidConfig = errors.New("coordinator: invalid config")
)

// Config holds tick periods and proactive scheduling. Zero values select
// the defaults.
type Config struct {
	DrainInterval     time.Duration
	ProactiveInterval time.Duration
	ModalDelay        time.Duration
	ChatDelay         time.Duration
	// MonitorUsers are checked by the proactive monitor in addition to
	// every user seen on the bus.
	MonitorUsers []string
}

func (c Config) withDefaults() (Config, error) {
	for name, d := range map[string]time.Duration{
		"drain interval":     c.DrainInterval,
		"proactive interval": c.ProactiveInterval,
		"modal delay":        c.ModalDelay,
		"chat delay":         c.ChatDelay,
	} {
		if d < 0 {
			return c, fmt.Errorf("%w: negative %s %s", ErrInvalidConfig, name, d)
		}
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.ProactiveInterval == 0 {
		c.ProactiveInterval = DefaultProactiveInterval
	}
	if c.ModalDelay == 0 {
		c.ModalDelay = proactive.DefaultModalDelay
	}
	if c.ChatDelay == 0 {
		c.ChatDelay = proactive.DefaultChatDelay
	}
	return c, nil
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock. Tickers are created from it too.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithInsightProvider sets where insight snapshots come from.
func WithInsightProvider(p insight.Provider) Option {
	return func(co *Coordinator) { co.insights = p }
}

// WithChatContext sets the chat context used by proactive chat messages.
func WithChatContext(p insight.ChatContextProvider) Option {
	return func(co *Coordinator) { co.chat = p }
}

// WithActionSink sets the external collaborator notified of executed
// proactive actions.
func WithActionSink(s proactive.ActionSink) Option {
	return func(co *Coordinator) { co.sink = s }
}

// WithAlertRules adds compiled custom alert rules.
func WithAlertRules(rules []*alerts.CustomRule) Option {
	return func(co *Coordinator) { co.rules = rules }
}

// WithMetrics installs bus metrics.
func WithMetrics(m bus.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithTracer sets the tracer used for drain and proactive spans.
func WithTracer(t trace.Tracer) Option {
	return func(co *Coordinator) { co.tracer = t }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

type actorKey struct{}

type command struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan struct{}
}

// Coordinator wires the bus to the managers and runs the drain and
// proactive loops.
type Coordinator struct {
	cfg      Config
	clock    clock.Clock
	insights insight.Provider
	chat     insight.ChatContextProvider
	sink     proactive.ActionSink
	rules    []*alerts.CustomRule
	metrics  bus.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	bus     *bus.Bus
	alerts  *alerts.Manager
	recs    *recommend.Manager
	monitor *proactive.Monitor
	memory  *memory.Store

	// users seen on the bus, in first-seen order.
	users    []string
	userSeen map[string]bool

	cmds     chan command
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	actorGID atomic.Uint64
}

// New creates a coordinator and starts its loop. Call Cleanup to stop it.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		clock:    clock.Real(),
		tracer:   otel.Tracer("pulse.coordinator"),
		logger:   slog.Default(),
		userSeen: make(map[string]bool),
		cmds:     make(chan command),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "coordinator")
	now := c.clock.Now

	c.bus = bus.New().
		WithClock(now).
		WithLogger(c.logger.With("subsystem", "bus")).
		WithMetrics(c.metrics)
	c.alerts = alerts.NewManager(c.rules...).
		WithClock(now).
		WithLogger(c.logger.With("subsystem", "alerts"))
	c.recs = recommend.NewManager().WithClock(now)
	c.monitor = proactive.NewMonitor(c.insights).
		WithClock(now).
		WithDelays(cfg.ModalDelay, cfg.ChatDelay).
		WithLogger(c.logger.With("subsystem", "proactive"))
	c.memory = memory.NewStore().WithClock(now)

	for _, u := range cfg.MonitorUsers {
		c.trackUser(u)
	}
	c.registerHandlers()

	drain := c.clock.NewTicker(cfg.DrainInterval)
	check := c.clock.NewTicker(cfg.ProactiveInterval)
	go c.run(drain, check)

	c.logger.Info("coordinator started",
		"drain_interval", cfg.DrainInterval,
		"proactive_interval", cfg.ProactiveInterval,
		"monitored_users", len(c.users),
	)
	return c, nil
}

func (c *Coordinator) run(drain, check clock.Ticker) {
	defer close(c.stopped)
	defer drain.Stop()
	defer check.Stop()
	c.actorGID.Store(goroutineID())

	base := context.WithValue(context.Background(), actorKey{}, c)
	for {
		select {
		case <-c.quit:
			return
		case cmd := <-c.cmds:
			cmd.fn(context.WithValue(cmd.ctx, actorKey{}, c))
			close(cmd.done)
		case <-drain.C():
			c.tick(base)
		case <-check.C():
			c.proactiveCheck(base)
		}
	}
}

func (c *Coordinator) inside(ctx context.Context) bool {
	owner, _ := ctx.Value(actorKey{}).(*Coordinator)
	return owner == c
}

// do runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func(ctx context.Context)) error {
	if c.inside(ctx) {
		fn(ctx)
		return nil
	}
	if gid := c.actorGID.Load(); gid != 0 && gid == goroutineID() {
		c.logger.Warn("coordinator called from a handler without the handler context")
		fn(context.WithValue(ctx, actorKey{}, c))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := command{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case c.cmds <- cmd:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.done
	return nil
}

// Cleanup stops both tickers and the loop and waits for it to exit. Work
// already running completes first. It is safe to call more than once, but not
// from inside a handler.
func (c *Coordinator) Cleanup() {
	c.stopOnce.Do(func() {
		c.logger.Info("coordinator stopping")
		close(c.quit)
	})
	<-c.stopped
}

// Emit validates env and hands it to the bus. Urgent subscribers have run by
// the time Emit returns.
func (c *Coordinator) Emit(ctx context.Context, env contracts.EventEnvelope) error {
	var err error
	if derr := c.do(ctx, func(ctx context.Context) {
		err = c.emit(ctx, env)
	}); derr != nil {
		return derr
	}
	return err
}

func (c *Coordinator) emit(ctx context.Context, env contracts.EventEnvelope) error {
	if err := c.bus.Emit(ctx, env); err != nil {
		return err
	}
	c.trackUser(env.UserID)
	return nil
}

// Subscribe registers h for events of type t.
func (c *Coordinator) Subscribe(t contracts.EventType, h bus.Handler) bus.SubscriptionID {
	return c.bus.Subscribe(t, h)
}

// Unsubscribe removes a registration and reports whether it existed.
func (c *Coordinator) Unsubscribe(id bus.SubscriptionID) bool {
	return c.bus.Unsubscribe(id)
}

// GetAlerts purges expired alerts and returns the live ones.
func (c *Coordinator) GetAlerts(ctx context.Context) ([]contracts.Alert, error) {
	var out []contracts.Alert
	err := c.do(ctx, func(context.Context) { out = c.alerts.GetAlerts() })
	return out, err
}

// DismissAlert removes an alert. Unknown ids are ignored.
func (c *Coordinator) DismissAlert(ctx context.Context, id string) error {
	return c.do(ctx, func(context.Context) { c.alerts.DismissAlert(id) })
}

// GetRecommendations returns the current recommendations.
func (c *Coordinator) GetRecommendations(ctx context.Context) ([]contracts.Recommendation, error) {
	var out []contracts.Recommendation
	err := c.do(ctx, func(context.Context) { out = c.recs.GetRecommendations() })
	return out, err
}

// ExecuteRecommendation removes an actionable recommendation and records the
// execution as a user action. It reports false for unknown or non-actionable
// ids.
func (c *Coordinator) ExecuteRecommendation(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := c.do(ctx, func(ctx context.Context) {
		var rec contracts.Recommendation
		rec, ok = c.recs.ExecuteRecommendation(id)
		if !ok || rec.UserID == "" {
			return
		}
		env := contracts.EventEnvelope{
			Type:         contracts.EventUserAction,
			Timestamp:    c.clock.Now(),
			UserID:       rec.UserID,
			Payload:      contracts.UserAction{Action: "execute_recommendation", Target: rec.ID},
			SourceModule: sourceRecommendations,
			Priority:     contracts.PriorityLow,
		}
		if err := c.emit(ctx, env); err != nil {
			c.logger.Warn("failed to record recommendation execution", "recommendation_id", id, "error", err)
		}
	})
	return ok, err
}

// GetProactiveActions returns every proactive action, executed or not.
func (c *Coordinator) GetProactiveActions(ctx context.Context) ([]contracts.ProactiveAction, error) {
	var out []contracts.ProactiveAction
	err := c.do(ctx, func(context.Context) { out = c.monitor.Actions() })
	return out, err
}

// ExecuteProactiveAction runs an action now regardless of its execution
// time. Effect failures are recorded on the returned action.
func (c *Coordinator) ExecuteProactiveAction(ctx context.Context, id string) (contracts.ProactiveAction, error) {
	var (
		out     contracts.ProactiveAction
		execErr error
	)
	if err := c.do(ctx, func(ctx context.Context) {
		out, execErr = c.monitor.Execute(ctx, id, c.performAction)
	}); err != nil {
		return contracts.ProactiveAction{}, err
	}
	return out, execErr
}

// GetLearningMemory returns a copy of the learning memory.
func (c *Coordinator) GetLearningMemory(ctx context.Context) (map[string]memory.Entry, error) {
	var out map[string]memory.Entry
	err := c.do(ctx, func(context.Context) { out = c.memory.Snapshot() })
	return out, err
}

// MonitorUser adds a user to the proactive check.
func (c *Coordinator) MonitorUser(ctx context.Context, userID string) error {
	return c.do(ctx, func(context.Context) { c.trackUser(userID) })
}

// Drain runs one drain tick now: queued events are dispatched and due
// proactive actions executed. It returns the number of events dispatched.
func (c *Coordinator) Drain(ctx context.Context) (int, error) {
	var n int
	err := c.do(ctx, func(ctx context.Context) { n = c.tick(ctx) })
	return n, err
}

// RunProactiveCheck runs one proactive check now and returns the actions it
// scheduled.
func (c *Coordinator) RunProactiveCheck(ctx context.Context) ([]contracts.ProactiveAction, error) {
	var out []contracts.ProactiveAction
	err := c.do(ctx, func(ctx context.Context) { out = c.proactiveCheck(ctx) })
	return out, err
}

func (c *Coordinator) trackUser(userID string) {
	if userID == "" || c.userSeen[userID] {
		return
	}
	c.userSeen[userID] = true
	c.users = append(c.users, userID)
}

func (c *Coordinator) tick(ctx context.Context) int {
	ctx, span := c.tracer.Start(ctx, "pulse.drain")
	defer span.End()

	n := c.bus.Drain(ctx)

	due := c.monitor.Due()
	for _, id := range due {
		if _, err := c.monitor.Execute(ctx, id, c.performAction); err != nil {
			c.logger.Warn("proactive action not executed", "action_id", id, "error", err)
		}
	}
	span.SetAttributes(
		attribute.Int("pulse.events_dispatched", n),
		attribute.Int("pulse.actions_executed", len(due)),
	)
	return n
}

func (c *Coordinator) proactiveCheck(ctx context.Context) []contracts.ProactiveAction {
	ctx, span := c.tracer.Start(ctx, "pulse.proactive_check")
	defer span.End()

	var scheduled []contracts.ProactiveAction
	for _, userID := range slices.Clone(c.users) {
		actions, err := c.monitor.Check(ctx, userID)
		if err != nil {
			c.logger.Warn("proactive check failed", "user_id", userID, "error", err)
			continue
		}
		for i, a := range actions {
			actions[i] = c.announce(ctx, a)
		}
		scheduled = append(scheduled, actions...)
	}
	span.SetAttributes(
		attribute.Int("pulse.users", len(c.users)),
		attribute.Int("pulse.actions_scheduled", len(scheduled)),
	)
	return scheduled
}
