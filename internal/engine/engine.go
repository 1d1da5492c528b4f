// Package engine decides what happens to each request: whitelist, client
// state, rate classification and rule scoring, in that order. Internal
// failures always resolve to ALLOW.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reqshield/internal/alerts"
	"reqshield/internal/analyzer"
	"reqshield/internal/clientstate"
	"reqshield/internal/config"
	"reqshield/internal/events"
	"reqshield/internal/inspect"
	"reqshield/internal/logging"
	"reqshield/internal/metrics"
	"reqshield/internal/model"
	"reqshield/internal/ratelimit"
	"reqshield/internal/rules"
	"reqshield/internal/storage"
	"reqshield/internal/store"
	"reqshield/internal/waf"
)

// UnknownClient stands in for requests whose client id cannot be resolved.
const UnknownClient = "unknown"

const (
	eventDedupeWindow = 10 * time.Second
	eventDedupeLimit  = 10000
	logCooldown       = 30 * time.Second
)

type Options struct {
	Store     store.Store
	Logger    *zap.Logger
	Metrics   *metrics.Collectors
	Counts    *metrics.Store
	Alerts    *alerts.Store
	Events    *events.Dispatcher
	Snapshots storage.Store
	Now       func() time.Time
}

type Engine struct {
	logger    *zap.Logger
	store     store.Store
	metrics   *metrics.Collectors
	counts    *metrics.Store
	alerts    *alerts.Store
	events    *events.Dispatcher
	snapshots storage.Store
	now       func() time.Time

	cfg     atomic.Value
	access  atomic.Value
	matcher atomic.Pointer[waf.Matcher]

	limiter   *ratelimit.Limiter
	states    *clientstate.Machine
	analyzer  *analyzer.Analyzer
	ruleStats *rules.Stats
	cooldown  *Cooldown
	deDupe    *eventDedupe
	started   time.Time
}

func NewEngine(cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollectors()
	}
	if opts.Counts == nil {
		opts.Counts = metrics.NewStore(0)
	}
	if opts.Alerts == nil {
		opts.Alerts = alerts.NewStore(cfg.Events.RingSize)
	}
	e := &Engine{
		logger:    logging.OrNop(opts.Logger),
		store:     opts.Store,
		metrics:   opts.Metrics,
		counts:    opts.Counts,
		alerts:    opts.Alerts,
		events:    opts.Events,
		snapshots: opts.Snapshots,
		now:       opts.Now,
		limiter:   ratelimit.New(opts.Store, ratelimit.ThresholdsFrom(cfg.RateLimit)),
		states:    clientstate.New(opts.Store, clientstate.TimeoutsFrom(cfg.ClientState)).WithClock(opts.Now),
		analyzer:  analyzer.New(cfg.Analyzer, cfg.Adaptive),
		ruleStats: rules.NewStats(),
		cooldown:  NewCooldown(opts.Now),
		deDupe:    newEventDedupe(eventDedupeWindow, eventDedupeLimit),
		started:   opts.Now().UTC(),
	}
	if err := e.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

type compiled struct {
	matcher   *waf.Matcher
	whitelist *Whitelist
}

func (e *Engine) compile(cfg *config.Config) (compiled, error) {
	if err := config.Validate(cfg); err != nil {
		return compiled{}, err
	}
	catalog, err := rules.Compile(cfg)
	if err != nil {
		return compiled{}, &config.ValidationError{Field: "rules", Message: err.Error()}
	}
	wl, err := buildWhitelist(cfg)
	if err != nil {
		return compiled{}, &config.ValidationError{Field: "whitelist.ips", Message: err.Error()}
	}
	return compiled{
		matcher:   waf.NewMatcher(catalog, e.ruleStats, waf.OptionsFrom(cfg), e.logger),
		whitelist: wl,
	}, nil
}

// CheckConfig reports whether cfg would be accepted by UpdateConfig.
func (e *Engine) CheckConfig(cfg *config.Config) error {
	_, err := e.compile(cfg)
	return err
}

// UpdateConfig swaps in cfg. An invalid cfg is rejected and the active
// configuration stays in place. Analyzer window and capacity are fixed at
// construction.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	c, err := e.compile(cfg)
	if err != nil {
		return err
	}
	e.matcher.Store(c.matcher)
	e.access.Store(c.whitelist)
	e.limiter.SetBase(ratelimit.ThresholdsFrom(cfg.RateLimit))
	e.states.SetTimeouts(clientstate.TimeoutsFrom(cfg.ClientState))
	e.analyzer.SetPolicy(cfg.Adaptive)
	e.cfg.Store(cfg)
	return nil
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) whitelist() *Whitelist {
	if v := e.access.Load(); v != nil {
		if wl, ok := v.(*Whitelist); ok {
			return wl
		}
	}
	return nil
}

func (e *Engine) Inspect(ctx context.Context, req inspect.Request) (d Decision) {
	start := e.now()
	clientID := req.ClientID
	if clientID == "" {
		clientID = UnknownClient
		if e.cooldown.AllowKey("unknown-client", logCooldown) {
			e.logger.Warn("client id could not be resolved, using pseudo-client",
				zap.String("client_id", clientID),
				zap.String("remote_addr", req.RemoteAddr),
			)
		}
	}
	d = Decision{ClientID: clientID, Action: model.ActionAllow}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("inspection panicked, allowing request",
				zap.String("client_id", clientID),
				zap.Any("panic", r),
			)
			e.metrics.FailOpen.Inc()
			d = Decision{ClientID: clientID, Action: model.ActionAllow, FailOpen: true}
		}
		if !d.Whitelisted {
			e.observe(req, d, start)
		}
		d.Elapsed = e.now().Sub(start)
		e.metrics.InspectDuration.Observe(d.Elapsed.Seconds())
		e.metrics.Decisions.WithLabelValues(string(d.Action), d.Reason).Inc()
	}()

	if e.whitelist().Contains(clientID) {
		d.Whitelisted = true
		return d
	}
	return e.decide(ctx, req, d, start)
}

func (e *Engine) decide(ctx context.Context, req inspect.Request, d Decision, now time.Time) Decision {
	cfg := e.config()
	monitor := cfg.Monitoring()

	st, err := e.states.Status(ctx, d.ClientID)
	if err != nil {
		return e.failOpen(d, "status", err)
	}
	if st.Status == model.StatusBlocked {
		if !monitor {
			return e.enforce(req, d, st, now)
		}
		d.Monitored = true
	}

	verdict, err := e.limiter.Classify(ctx, d.ClientID, now)
	if err != nil {
		return e.failOpen(d, "classify", err)
	}
	e.applyCounts(&d, verdict.Counts, now)

	// A challenged client is answered with the challenge again unless its
	// rate now warrants a block.
	if st.Status == model.StatusChallenged && !monitor && verdict.Action != model.ActionBlock {
		return e.enforce(req, d, st, now)
	}

	if verdict.Action != model.ActionAllow {
		if monitor {
			d.Monitored = true
			e.logger.Info("rate limit exceeded (monitor mode)",
				zap.String("client_id", d.ClientID),
				zap.String("reason", verdict.Reason),
				zap.Int64("per_minute", verdict.Counts.PerMinute),
			)
			e.emit(req, d, "monitor", model.SourceDDoS, verdict.Reason, now)
		} else {
			next, changed, err := e.transition(ctx, verdict.Action, d.ClientID, verdict.Reason, model.SourceDDoS)
			if err != nil {
				return e.failOpen(d, "transition", err)
			}
			if changed {
				e.logTransition(next, verdict.Counts)
			}
			return e.enforce(req, d, next, now)
		}
	}

	return e.inspectRules(ctx, req, d, cfg, now)
}

func (e *Engine) inspectRules(ctx context.Context, req inspect.Request, d Decision, cfg *config.Config, now time.Time) Decision {
	m := e.matcher.Load()
	res := m.Evaluate(inspect.Extract(req, cfg.Inspection.MaxTargets))
	d.RulesChecked = res.RulesChecked
	d.Score = res.TotalScore
	d.RuleIDs = res.RuleIDs()
	for _, v := range res.Violations {
		e.metrics.RuleMatches.WithLabelValues(v.RuleID, string(v.Severity)).Inc()
	}

	level := waf.LevelFor(res.TotalScore, cfg.Anomaly)
	if level == waf.LevelNone {
		return d
	}
	top, _ := res.Highest()
	fields := []zap.Field{
		zap.String("client_id", d.ClientID),
		zap.Int("score", res.TotalScore),
		zap.String("level", level.String()),
		zap.String("rule_id", top.RuleID),
		zap.Strings("rule_ids", d.RuleIDs),
		zap.String("location", top.Location),
		zap.String("path", req.Path),
	}

	switch {
	case level == waf.LevelCritical && cfg.Monitoring():
		d.Monitored = true
		e.logger.Warn("request would be blocked (monitor mode)", fields...)
		e.emit(req, d, "monitor", model.SourceWAF, top.RuleID, now)
	case level == waf.LevelCritical:
		next, changed, err := e.states.Block(ctx, d.ClientID, top.RuleID, model.SourceWAF)
		if err != nil {
			return e.failOpen(d, "transition", err)
		}
		e.logger.Warn("request blocked by rules", fields...)
		if changed {
			e.logTransition(next, d.Counts)
		}
		d = e.enforce(req, d, next, now)
		if next.Status == model.StatusBlocked && next.Source == model.SourceWAF {
			d.RuleID, d.Severity = top.RuleID, top.Severity
		}
	case level == waf.LevelError && cfg.Anomaly.ChallengeOnError && !cfg.Monitoring():
		e.logger.Warn("suspicious request, challenging client", fields...)
		next, changed, err := e.states.Challenge(ctx, d.ClientID, top.RuleID, model.SourceWAF)
		if err != nil {
			e.storeError("challenge", d.ClientID, err)
			break
		}
		if changed {
			e.logTransition(next, d.Counts)
			e.emit(req, d, "challenge", model.SourceWAF, top.RuleID, now)
		}
	default:
		e.logger.Info("suspicious request", fields...)
		e.emit(req, d, "log", model.SourceWAF, top.RuleID, now)
	}
	return d
}

func (e *Engine) transition(ctx context.Context, action model.Action, clientID, reason string, source model.Source) (model.ClientState, bool, error) {
	if action == model.ActionBlock {
		return e.states.Block(ctx, clientID, reason, source)
	}
	return e.states.Challenge(ctx, clientID, reason, source)
}

// enforce turns an active client state into a rejection.
func (e *Engine) enforce(req inspect.Request, d Decision, st model.ClientState, now time.Time) Decision {
	d.Source = st.Source
	d.RetryAfter = st.ExpiresAt.Sub(now)
	switch st.Status {
	case model.StatusBlocked:
		d.Action = model.ActionBlock
		if st.Source == model.SourceWAF {
			d.Type = TypeWAFBlock
			d.Reason = "waf_rule_violation"
			d.RuleID = st.Reason
			if r, ok := e.matcher.Load().Catalog().Get(st.Reason); ok {
				d.Severity = r.Severity
			}
		} else {
			d.Type = TypeDDoSBlock
			d.Reason = st.Reason
		}
		e.emit(req, d, "block", st.Source, st.Reason, now)
	case model.StatusChallenged:
		d.Action = model.ActionChallenge
		d.Type = TypeDDoSChallenge
		d.Reason = st.Reason
		d.ChallengeID = uuid.NewString()
		e.emit(req, d, "challenge", st.Source, st.Reason, now)
	}
	return d
}

func (e *Engine) applyCounts(d *Decision, c model.Counts, now time.Time) {
	t := e.limiter.Thresholds()
	d.Counts = c
	d.RateLimit = RateLimitInfo{
		Limit:     t.ChallengeThreshold,
		Remaining: max(0, t.ChallengeThreshold-int(c.PerMinute)),
		Reset:     time.Minute,
	}
	e.counts.Update(d.ClientID, c, now)
}

func (e *Engine) failOpen(d Decision, op string, err error) Decision {
	e.metrics.FailOpen.Inc()
	e.storeError(op, d.ClientID, err)
	return Decision{
		ClientID:  d.ClientID,
		Action:    model.ActionAllow,
		FailOpen:  true,
		Counts:    d.Counts,
		RateLimit: d.RateLimit,
	}
}

func (e *Engine) storeError(op, clientID string, err error) {
	e.metrics.StoreErrors.Inc()
	if e.cooldown.AllowKey("store-error|"+op, logCooldown) {
		e.logger.Error("store call failed, failing open",
			zap.String("op", op),
			zap.String("client_id", clientID),
			zap.Error(err),
		)
	}
}

func (e *Engine) logTransition(st model.ClientState, c model.Counts) {
	e.metrics.Transitions.WithLabelValues(string(st.Status), string(st.Source)).Inc()
	e.logger.Warn("client state changed",
		zap.String("client_id", st.ClientID),
		zap.String("status", string(st.Status)),
		zap.String("reason", st.Reason),
		zap.String("source", string(st.Source)),
		zap.Time("expires_at", st.ExpiresAt),
		zap.Int64("per_minute", c.PerMinute),
	)
}

// emit publishes a security event unless the same client, action and
// reason was published within eventDedupeWindow.
func (e *Engine) emit(req inspect.Request, d Decision, action string, source model.Source, reason string, now time.Time) {
	if e.deDupe.Suppress(d.ClientID, action, reason, now) {
		return
	}
	ev := model.SecurityEvent{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		ClientID:  d.ClientID,
		Action:    action,
		Source:    source,
		Reason:    reason,
		Score:     d.Score,
		RuleIDs:   d.RuleIDs,
		Method:    req.Method,
		Path:      req.Path,
		UserAgent: req.UserAgent(),
		Monitored: action == "monitor",
	}
	if e.events != nil {
		e.events.Publish(ev)
		return
	}
	e.alerts.Add(ev)
}

func (e *Engine) observe(req inspect.Request, d Decision, now time.Time) {
	reason := d.Reason
	if reason == "" && d.Score > 0 {
		reason = "rule_match"
	}
	e.analyzer.Record(analyzer.Observation{
		ClientID:   d.ClientID,
		Method:     req.Method,
		Path:       req.Path,
		UserAgent:  req.UserAgent(),
		Suspicious: !d.Allowed() || d.Score > 0 || d.Monitored,
		Reason:     reason,
		RuleIDs:    d.RuleIDs,
		At:         now,
	})
}

// Start runs maintenance on the configured interval until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	interval := e.config().Maintenance.Interval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.RunMaintenance(ctx, e.now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RunMaintenance purges expired store data, samples traffic, applies
// adaptive thresholds and persists a traffic snapshot.
func (e *Engine) RunMaintenance(ctx context.Context, now time.Time) model.TrafficSnapshot {
	cfg := e.config()
	if err := e.store.Ping(ctx); err != nil && e.cooldown.AllowKey("maintenance-ping", logCooldown) {
		e.logger.Warn("store ping failed", zap.Error(err))
	}
	if err := e.store.Sweep(ctx, now); err != nil && e.cooldown.AllowKey("maintenance-sweep", logCooldown) {
		e.logger.Warn("store sweep failed", zap.Error(err))
	}

	e.analyzer.Sample(now)
	e.analyzer.Prune(now)
	snap := e.analyzer.Snapshot(now)
	e.metrics.ObserveTraffic(snap)
	e.tune(cfg, snap)

	if e.snapshots != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := e.snapshots.SaveSnapshot(sctx, snap); err != nil {
			e.logger.Warn("save traffic snapshot failed", zap.Error(err))
		}
		cancel()
	}
	e.cooldown.compact(time.Hour)
	e.deDupe.Prune(now)
	return snap
}

func (e *Engine) tune(cfg *config.Config, snap model.TrafficSnapshot) {
	base := e.limiter.Base()
	want := base
	if cfg.Adaptive.Enabled {
		want = e.analyzer.Recommend(base, snap)
	}
	if want == e.limiter.Thresholds() {
		return
	}
	e.limiter.Override(want)
	e.logger.Info("rate thresholds adjusted",
		zap.String("health", snap.Health),
		zap.Float64("requests_per_second", snap.RequestsPerSecond),
		zap.Float64("suspicious_ratio", snap.SuspiciousRatio),
		zap.Int("challenge_threshold", want.ChallengeThreshold),
		zap.Int("block_threshold", want.BlockThreshold),
	)
}

type ClientView struct {
	State     model.ClientState     `json:"state"`
	Counts    *metrics.ClientCounts `json:"counts,omitempty"`
	Whitelist bool                  `json:"whitelisted"`
}

func (e *Engine) Client(ctx context.Context, clientID string) (ClientView, error) {
	st, err := e.states.Status(ctx, clientID)
	if err != nil {
		return ClientView{}, fmt.Errorf("client %s: %w", clientID, err)
	}
	view := ClientView{State: st, Whitelist: e.whitelist().Contains(clientID)}
	if c, ok := e.counts.Get(clientID); ok {
		view.Counts = &c
	}
	return view, nil
}

// ClearClient is the operator override back to CLEAN.
func (e *Engine) ClearClient(ctx context.Context, clientID string) error {
	if err := e.states.Clear(ctx, clientID); err != nil {
		return fmt.Errorf("clear %s: %w", clientID, err)
	}
	e.metrics.Transitions.WithLabelValues(string(model.StatusClean), "operator").Inc()
	e.logger.Info("client cleared by operator", zap.String("client_id", clientID))
	return nil
}

func (e *Engine) Config() *config.Config { return e.config() }

func (e *Engine) Rules() []rules.Rule { return e.matcher.Load().Catalog().Rules() }

func (e *Engine) RuleStats() []rules.RuleStat { return e.ruleStats.Snapshot() }

func (e *Engine) Snapshot() model.TrafficSnapshot { return e.analyzer.Snapshot(e.now()) }

func (e *Engine) TopPatterns(n int) []analyzer.Pattern { return e.analyzer.TopPatterns(n) }

// Thresholds returns the configured and the effective rate thresholds.
func (e *Engine) Thresholds() (base, effective ratelimit.Thresholds) {
	return e.limiter.Base(), e.limiter.Thresholds()
}

func (e *Engine) Alerts() *alerts.Store { return e.alerts }

func (e *Engine) Metrics() *metrics.Collectors { return e.metrics }

func (e *Engine) Counts() *metrics.Store { return e.counts }

func (e *Engine) Started() time.Time { return e.started }

// StoreDegraded reports whether the shared store is down and requests are
// counted in process memory.
func (e *Engine) StoreDegraded() bool {
	if f, ok := e.store.(interface{ Degraded() bool }); ok {
		return f.Degraded()
	}
	return false
}

func (e *Engine) Reset() {
	e.analyzer.Reset()
	e.counts.Clear()
	e.alerts.Clear()
	e.ruleStats.Reset()
}
