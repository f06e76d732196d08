package cyre

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neuralline/cyre-sub007/internal/analyzer"
	"github.com/neuralline/cyre-sub007/internal/breathing"
	"github.com/neuralline/cyre-sub007/internal/compiler"
	"github.com/neuralline/cyre-sub007/internal/core"
	"github.com/neuralline/cyre-sub007/internal/middleware"
	"github.com/neuralline/cyre-sub007/internal/sensor"
	"github.com/neuralline/cyre-sub007/internal/store"
	"github.com/neuralline/cyre-sub007/internal/telemetry/metrics"
	"github.com/neuralline/cyre-sub007/internal/telemetry/policy"
	"github.com/neuralline/cyre-sub007/internal/telemetry/tracing"
	"github.com/neuralline/cyre-sub007/internal/timekeeper"
	"github.com/neuralline/cyre-sub007/telemetry/health"
)

// Event is a reduced, stable projection of a sensor event for external
// observers — mirrors the teacher's TelemetryEvent/RegisterEventObserver
// facade so callers never depend on internal/sensor types directly.
type Event struct {
	Time     time.Time
	ActionID string
	Type     string
	Message  string
}

// EventObserver receives every Event recorded by the engine.
type EventObserver func(Event)

// registeredChannel pairs a compiled channel with its resolved middleware
// chain and a precomputed post-debounce step slice, both computed once at
// Action time rather than re-derived per Call.
type registeredChannel struct {
	compiled          *core.CompiledChannel
	middlewares       []core.Middleware
	postDebounceSteps []core.Step
}

// debounceFormationID is the TimeKeeper formation id used for a channel's
// debounce timer; Add replaces any existing formation with this id, which
// is exactly the coalescing debounce needs (spec §4.2 step 3).
func debounceFormationID(id string) string { return "debounce:" + id }

// intervalFormationID is the TimeKeeper formation id used for a channel's
// self-driving interval/repeat/delay schedule (spec §4.8 "interval-ms,
// delay-ms, repeat — schedule via TimeKeeper", distinct from the pipeline's
// per-call debounce timer).
func intervalFormationID(id string) string { return "interval:" + id }

// Engine composes every subsystem behind a single facade: Stores (C1),
// Compiler (C2), Sensor (C3), Breathing (C4), TimeKeeper (C5), Call
// Dispatcher (C6), Analyzer (C7). Constructed via New; an explicit value,
// never global mutable state (spec §9).
type Engine struct {
	cfg Config

	channels *store.Map[*registeredChannel]
	handlers *store.Map[core.Handler]
	mw       *middleware.Registry

	ring      *sensor.Ring
	breathing *breathing.Controller
	tk        *timekeeper.TimeKeeper
	health    *health.Evaluator
	analyzer  *analyzer.Analyzer
	tracer    tracing.Tracer
	metrics   metrics.Provider
	pol       atomic.Pointer[policy.TelemetryPolicy]

	startedAt time.Time
	started   atomic.Bool
	shutdown  atomic.Bool
	stopOnce  sync.Once

	evictStop chan struct{}
	evictWG   sync.WaitGroup

	obsMu sync.RWMutex
	obs   []EventObserver
}

// New constructs an Engine from cfg but does not start its background
// loops; call Init to do that (mirrors the teacher's two-phase
// New(cfg)/Start(ctx) shape, adapted to Cyre's initialize() convention).
func New(cfg Config) (*Engine, error) {
	if cfg.SensorRingCapacity <= 0 || cfg.SensorRetention <= 0 {
		def := Defaults()
		if cfg.SensorRingCapacity <= 0 {
			cfg.SensorRingCapacity = def.SensorRingCapacity
		}
		if cfg.SensorRetention <= 0 {
			cfg.SensorRetention = def.SensorRetention
		}
	}
	if cfg.Breathing.BaseTick <= 0 {
		cfg.Breathing = breathing.DefaultThresholds()
	}
	if cfg.HealthProbeTTL <= 0 {
		cfg.HealthProbeTTL = 2 * time.Second
	}
	if cfg.AnalyzeWindow <= 0 {
		cfg.AnalyzeWindow = 5 * time.Minute
	}

	mp := selectMetricsProvider(cfg)
	ring := sensor.NewRing(cfg.SensorRingCapacity, cfg.SensorRetention, mp)
	breathingCtl := breathing.New(cfg.Breathing)

	var tracer tracing.Tracer
	switch {
	case cfg.OTelTracer != nil:
		tracer = tracing.NewOTelTracer(cfg.OTelTracer)
	case cfg.TracingEnabled:
		pct := cfg.TracingSamplePercent
		tracer = tracing.NewAdaptiveTracer(func() float64 { return pct })
	default:
		tracer = tracing.NewTracer(false)
	}

	e := &Engine{
		cfg:       cfg,
		channels:  store.New[*registeredChannel](),
		handlers:  store.New[core.Handler](),
		mw:        middleware.NewRegistry(),
		ring:      ring,
		breathing: breathingCtl,
		tracer:    tracer,
		metrics:   mp,
		startedAt: time.Now(),
		evictStop: make(chan struct{}),
	}
	e.tk = timekeeper.New(breathingCtl.TickInterval)
	e.health = health.NewAdaptiveEvaluator(e.healthProbeTTL, e.healthProbes()...)
	e.analyzer = analyzer.New(ring, e.health)

	initialPolicy := policy.TelemetryPolicy{
		Health:  policy.HealthPolicy{ProbeTTL: cfg.HealthProbeTTL},
		Tracing: policy.TracingPolicy{SamplePercent: cfg.TracingSamplePercent},
		Sensor:  policy.SensorPolicy{RingCapacity: cfg.SensorRingCapacity, Retention: cfg.SensorRetention},
		TimeKeeper: policy.TimeKeeperPolicy{
			MinTick:        cfg.Breathing.BaseTick,
			RecuperateTick: cfg.Breathing.MaxTick,
		},
	}.Normalize()
	e.pol.Store(&initialPolicy)

	ring.Subscribe(func(ev sensor.Event) { e.dispatch(ev) })

	return e, nil
}

// Policy returns the currently active telemetry policy snapshot.
func (e *Engine) Policy() policy.TelemetryPolicy {
	return *e.pol.Load()
}

// UpdatePolicy atomically swaps in a new telemetry policy, normalizing out-
// of-range fields first. The snapshot is visible to the next Policy() read;
// it does not reshape already-constructed subsystems (the sensor ring's
// capacity and the health evaluator's TTL are fixed at New, matching the
// teacher's own "policy governs construction, not live reshaping" stance
// for fixed-capacity structures) — callers that need a change to take full
// effect construct a new Engine with an updated Config.
func (e *Engine) UpdatePolicy(p policy.TelemetryPolicy) {
	n := p.Normalize()
	e.pol.Store(&n)
}

// healthProbeTTL is the Evaluator's adaptive TTL source: the cache window
// collapses to a quarter of the configured TTL while the breathing
// controller is recuperating, so health reads go fresh exactly when the
// system is shedding load, and widens back out once it recovers.
func (e *Engine) healthProbeTTL() time.Duration {
	if e.breathing.Snapshot().Pattern == breathing.PatternRecuperating {
		if quarter := e.cfg.HealthProbeTTL / 4; quarter > 0 {
			return quarter
		}
	}
	return e.cfg.HealthProbeTTL
}

// healthProbes builds the Evaluator's subsystem probes, grounded on the
// teacher's Engine.healthProbes shape: a store probe that always reports
// healthy, and a breathing-pattern probe.
func (e *Engine) healthProbes() []health.Probe {
	storeProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		return health.Healthy("store")
	})
	breathingProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		snap := e.breathing.Snapshot()
		switch snap.Pattern {
		case breathing.PatternRecuperating:
			return health.Degraded("breathing", "recuperating under load")
		default:
			return health.Healthy("breathing")
		}
	})
	return []health.Probe{storeProbe, breathingProbe}
}

// Init starts the engine's background loops (sensor ring eviction). Safe
// to call once; subsequent calls are no-ops. TimeKeeper and the breathing
// controller start their own loops in New, matching Cyre's convention that
// construction already makes the runtime live.
func (e *Engine) Init() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.evictWG.Add(1)
	go e.evictLoop()
}

func (e *Engine) evictLoop() {
	defer e.evictWG.Done()
	interval := e.cfg.SensorRetention / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.evictStop:
			return
		case now := <-ticker.C:
			e.ring.Evict(now)
		}
	}
}

// Action registers one or more channel configurations, compiling each and
// resolving its middleware chain once. Registering an id that already
// exists replaces it (a fresh compiled channel and an empty last-call/
// last-payload cache).
func (e *Engine) Action(cfgs ...core.ChannelConfig) error {
	for _, cfg := range cfgs {
		compiled, err := compiler.Compile(cfg)
		if err != nil {
			return err
		}
		chain, err := e.mw.Resolve(cfg)
		if err != nil {
			return fmt.Errorf("cyre: action %q: %w", cfg.ID, err)
		}
		e.channels.Set(cfg.ID, &registeredChannel{
			compiled:          compiled,
			middlewares:       chain,
			postDebounceSteps: postDebounceSteps(compiled.Pipeline),
		})

		e.tk.Remove(intervalFormationID(cfg.ID))
		if !compiled.PreBlocked && (cfg.IntervalMS > 0 || (cfg.Repeat != nil && *cfg.Repeat != 0)) {
			e.scheduleInterval(cfg)
		}
	}
	return nil
}

// scheduleInterval registers a channel's self-driving schedule (spec §4.8):
// a channel configured with interval-ms and/or a non-zero repeat drives its
// own periodic Call the way a cron entry would, independent of any caller
// invoking Call directly; delay-ms only sets when the first firing happens
// (Action does not schedule a channel that has delay-ms alone). A nil
// Repeat with IntervalMS>0 repeats indefinitely, mirroring a plain
// setInterval; Repeat pins the bound.
func (e *Engine) scheduleInterval(cfg core.ChannelConfig) {
	delay := time.Duration(cfg.DelayMS) * time.Millisecond
	if delay == 0 {
		delay = time.Duration(cfg.IntervalMS) * time.Millisecond
	}
	repeats := int64(0)
	switch {
	case cfg.Repeat != nil:
		repeats = *cfg.Repeat
	case cfg.IntervalMS > 0:
		repeats = core.RepeatInfinity
	}
	id := cfg.ID
	payload := cfg.Payload
	e.tk.Add(timekeeper.AddSpec{
		ID:         intervalFormationID(id),
		FirstAt:    time.Now().Add(delay),
		IntervalMS: cfg.IntervalMS,
		Repeats:    repeats,
		Priority:   cfg.Priority,
		Origin:     core.OriginInterval,
		Callback: func(time.Time) error {
			e.Call(context.Background(), id, payload)
			return nil
		},
	})
}

// postDebounceSteps returns the pipeline steps that still need to run once
// a debounce timer fires: everything after throttle/debounce, since both
// already did their job by the time the timer callback runs.
func postDebounceSteps(pipeline []core.Step) []core.Step {
	out := make([]core.Step, 0, len(pipeline))
	for _, step := range pipeline {
		if step.Name == "throttle" || step.Name == "debounce" {
			continue
		}
		out = append(out, step)
	}
	return out
}

// On registers handler as the subscriber for id. Replaces any existing
// subscriber. A channel may be Called before On is invoked; such calls
// succeed with Result.OK=true and no execution (spec §6).
func (e *Engine) On(id string, handler core.Handler) error {
	if id == "" {
		return fmt.Errorf("cyre: On requires a non-empty channel id")
	}
	if handler == nil {
		return fmt.Errorf("cyre: On requires a non-nil handler")
	}
	e.handlers.Set(id, handler)
	return nil
}

// UseGroup registers middlewareName into group's chain; channels with
// Group==group inherit it ahead of their own Middlewares (spec §9
// supplement). Must be called before Action for channels in that group,
// since resolution happens at Action time.
func (e *Engine) UseGroup(group, middlewareName string) {
	e.mw.UseGroup(group, middlewareName)
}

// RegisterMiddleware makes a middleware available by name for channels'
// Middlewares lists and UseGroup.
func (e *Engine) RegisterMiddleware(name string, mw core.Middleware) {
	e.mw.Register(name, mw)
}

// Call runs id's compiled protection pipeline against payload and, if
// nothing short-circuits it, invokes its handler through its middleware
// chain (spec §4.2, §6). A debounced call schedules a deferred execution
// on the TimeKeeper and returns immediately with ErrDebounced; the
// deferred execution's own Result is only visible to event observers. The
// whole pipeline walk runs inside one span (internal/telemetry/tracing),
// so an embedder with tracing enabled sees one "cyre.call" span per Call,
// plus a nested "cyre.handler" span for the time actually spent in the
// subscriber (see invokeAndRecordLocked).
func (e *Engine) Call(ctx context.Context, id string, payload any) core.Result {
	now := time.Now()
	ctx, span := e.tracer.StartSpan(ctx, "cyre.call:"+id)
	defer span.End()
	e.ring.Record(sensor.Event{ActionID: id, Type: sensor.EventCall, Time: now})

	rc, ok := e.channels.Get(id)
	if !ok {
		span.SetAttribute("cyre.result", string(core.ErrUnknownChannel))
		return core.Result{OK: false, Message: fmt.Sprintf("unknown channel %q", id), ErrorKind: core.ErrUnknownChannel}
	}
	cc := rc.compiled
	if cc.PreBlocked {
		span.SetAttribute("cyre.result", string(core.ErrPreBlocked))
		e.ring.Record(sensor.Event{ActionID: id, Type: sensor.EventBlocked, Message: cc.BlockReason, Time: now})
		return core.Result{OK: false, Message: cc.BlockReason, ErrorKind: core.ErrPreBlocked}
	}

	e.breathing.RecordCall(now)

	cc.Lock()
	defer cc.Unlock()

	stepCtx := &core.StepContext{ActionID: id, Payload: payload, Now: now, Channel: cc}
	for _, step := range cc.Pipeline {
		next, handled, result := step.Run(stepCtx)
		stepCtx.Payload = next
		if handled {
			span.SetAttribute("cyre.result", string(result.ErrorKind))
			e.recordProtection(id, result.ErrorKind, now)
			if step.Name == "debounce" {
				e.scheduleDebounce(id, rc, stepCtx.Payload, now)
			}
			return result
		}
	}

	return e.invokeAndRecordLocked(ctx, id, rc, stepCtx.Payload, now)
}

// scheduleDebounce (re)arms id's debounce timer for now+DebounceMS, always
// carrying the latest payload. TimeKeeper.Add replaces any formation with
// the same id, so rapid repeated calls coalesce into one deferred run.
func (e *Engine) scheduleDebounce(id string, rc *registeredChannel, payload any, now time.Time) {
	cfg := rc.compiled.Config
	delay := time.Duration(cfg.DebounceMS) * time.Millisecond
	formationID := debounceFormationID(id)
	rc.compiled.SetPendingTimer(formationID)
	e.tk.Add(timekeeper.AddSpec{
		ID:       formationID,
		FirstAt:  now.Add(delay),
		Priority: cfg.Priority,
		Origin:   core.OriginDebounce,
		Callback: func(fireNow time.Time) error {
			e.runAfterDebounce(id, rc, payload, fireNow)
			return nil
		},
	})
}

// runAfterDebounce runs the remainder of id's pipeline once its debounce
// window has elapsed, then dispatches to the handler unless a later step
// short-circuits. Runs on the TimeKeeper's goroutine, so it acquires the
// channel lock independently of Call, and starts its own trace root rather
// than inheriting the original caller's ctx (which may already be gone by
// the time the timer fires).
func (e *Engine) runAfterDebounce(id string, rc *registeredChannel, payload any, now time.Time) {
	ctx, span := e.tracer.StartSpan(context.Background(), "cyre.debounce:"+id)
	defer span.End()

	cc := rc.compiled
	cc.Lock()
	defer cc.Unlock()
	cc.SetPendingTimer("")

	stepCtx := &core.StepContext{ActionID: id, Payload: payload, Now: now, Channel: cc}
	for _, step := range rc.postDebounceSteps {
		next, handled, result := step.Run(stepCtx)
		stepCtx.Payload = next
		if handled {
			span.SetAttribute("cyre.result", string(result.ErrorKind))
			e.recordProtection(id, result.ErrorKind, now)
			return
		}
	}
	e.invokeAndRecordLocked(ctx, id, rc, stepCtx.Payload, now)
}

// invokeAndRecordLocked dispatches payload to id's subscriber through its
// middleware chain and records the execution/success/error events. The
// channel's mutex must already be held by the caller. The handler call runs
// inside its own nested span so the time actually spent in the subscriber
// is distinguishable from time spent in the surrounding protection
// pipeline.
func (e *Engine) invokeAndRecordLocked(ctx context.Context, id string, rc *registeredChannel, payload any, now time.Time) core.Result {
	cc := rc.compiled
	cc.SetLastCallTime(now)
	cc.SetLastPayload(payload)

	handler, ok := e.handlers.Get(id)
	if !ok {
		return core.Result{OK: true, Message: "no subscriber", Payload: payload}
	}

	_, handlerSpan := e.tracer.StartSpan(ctx, "cyre.handler:"+id)
	start := time.Now()
	out, err := middleware.Run(rc.middlewares, payload, func(p any) (any, error) { return handler(p) })
	duration := time.Since(start)
	handlerSpan.SetAttribute("cyre.handler.duration_ms", duration.Milliseconds())
	if err != nil {
		handlerSpan.SetAttribute("cyre.result", string(core.ErrHandlerError))
	}
	handlerSpan.End()
	e.ring.Record(sensor.Event{ActionID: id, Type: sensor.EventExecution, Time: time.Now(), Metadata: map[string]any{"duration": duration}})
	if err != nil {
		e.ring.Record(sensor.Event{ActionID: id, Type: sensor.EventError, Location: "handler", Message: err.Error(), Time: time.Now()})
		e.breathing.RecordError(time.Now())
		return core.Result{OK: false, Message: err.Error(), ErrorKind: core.ErrHandlerError}
	}
	e.ring.Record(sensor.Event{ActionID: id, Type: sensor.EventSuccess, Time: time.Now()})
	return core.Result{OK: true, Payload: out}
}

// recordProtection records the sensor event matching a short-circuited
// pipeline step's error kind, keeping protection rejections (throttle,
// debounce, schema, skip) out of the handler-error aggregate (spec §7).
func (e *Engine) recordProtection(id string, kind core.ErrorKind, now time.Time) {
	var t sensor.EventType
	switch kind {
	case core.ErrThrottled:
		t = sensor.EventThrottle
	case core.ErrDebounced:
		t = sensor.EventDebounce
	case core.ErrPreBlocked:
		t = sensor.EventBlocked
	case core.ErrSchemaInvalid, core.ErrRequiredMissing, core.ErrConditionNotMet, core.ErrUnchanged:
		t = sensor.EventSkip
	default:
		t = sensor.EventInfo
	}
	e.ring.Record(sensor.Event{ActionID: id, Type: t, Time: now})
}

// Forget removes a channel's registration, handler, and any pending
// debounce timer. Safe to call on an unknown id.
func (e *Engine) Forget(id string) {
	e.channels.Forget(id)
	e.handlers.Forget(id)
	e.tk.Remove(debounceFormationID(id))
	e.tk.Remove(intervalFormationID(id))
}

// Clear removes every registered channel and handler.
func (e *Engine) Clear() {
	all := e.channels.GetAll()
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	for _, id := range ids {
		e.Forget(id)
	}
}

// Get returns the registered configuration for id.
func (e *Engine) Get(id string) (core.ChannelConfig, bool) {
	rc, ok := e.channels.Get(id)
	if !ok {
		return core.ChannelConfig{}, false
	}
	return rc.compiled.Config, true
}

// GetAll returns every registered channel's configuration.
func (e *Engine) GetAll() []core.ChannelConfig {
	all := e.channels.GetAll()
	out := make([]core.ChannelConfig, 0, len(all))
	for _, rc := range all {
		out = append(out, rc.compiled.Config)
	}
	return out
}

// GetGroup returns every registered channel's configuration whose
// Group field matches group.
func (e *Engine) GetGroup(group string) []core.ChannelConfig {
	all := e.channels.GetAll()
	out := make([]core.ChannelConfig, 0)
	for _, rc := range all {
		if rc.compiled.Config.Group == group {
			out = append(out, rc.compiled.Config)
		}
	}
	return out
}

// GetBreathingState returns the current stress/pattern snapshot.
func (e *Engine) GetBreathingState() breathing.State {
	return e.breathing.Snapshot()
}

// GetPerformanceState runs the Analyzer over the configured default
// window and returns its report.
func (e *Engine) GetPerformanceState(ctx context.Context) analyzer.Report {
	return e.analyzer.Analyze(ctx, e.cfg.AnalyzeWindow)
}

// Analyze runs the Analyzer over an explicit window.
func (e *Engine) Analyze(ctx context.Context, window time.Duration) analyzer.Report {
	return e.analyzer.Analyze(ctx, window)
}

// RegisterEventObserver subscribes obs to every future recorded event,
// projected to the reduced public Event shape.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if obs == nil {
		return
	}
	e.obsMu.Lock()
	e.obs = append(e.obs, obs)
	e.obsMu.Unlock()
}

func (e *Engine) dispatch(ev sensor.Event) {
	e.obsMu.RLock()
	observers := e.obs
	e.obsMu.RUnlock()
	if len(observers) == 0 {
		return
	}
	pub := Event{Time: ev.Time, ActionID: ev.ActionID, Type: string(ev.Type), Message: ev.Message}
	for _, o := range observers {
		func() {
			defer func() { _ = recover() }()
			o(pub)
		}()
	}
}

// QueryEvents returns a snapshot of recorded events matching filter (spec
// §6's pull-side sensor consumer contract).
func (e *Engine) QueryEvents(filter Filter) []SensorEvent {
	return e.ring.Query(filter)
}

// Shutdown stops every background loop. Idempotent.
func (e *Engine) Shutdown() error {
	if !e.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	e.stopOnce.Do(func() {
		close(e.evictStop)
	})
	e.evictWG.Wait()
	e.tk.Stop()
	e.breathing.Stop()
	return nil
}
