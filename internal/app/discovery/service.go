package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/telemetry"
)

// Registry is the part of the registration API discovery drives.
type Registry interface {
	Enabled() bool
	ReplaceApp(app domain.AppID, tools []domain.ToolDefinition, resources []domain.ResourceDefinition, meta map[string]string) (domain.ReplaceResult, error)
	UnregisterApp(app domain.AppID) (int, int)
}

// Service decides when an app is alive or gone. Work for one app runs
// through that app's mailbox, one job at a time; different apps proceed
// concurrently.
type Service struct {
	registry Registry
	caller   domain.ExtensionCaller
	metrics  domain.Metrics
	logger   *zap.Logger
	timeout  atomic.Int64
	now      func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	trackers map[domain.AppID]*tracker
	idle     *sync.Cond
}

type tracker struct {
	status  domain.AppStatus
	target  string
	queue   []job
	running bool
}

type jobKind int

const (
	jobDiscover jobKind = iota
	jobEvict
)

type job struct {
	kind   jobKind
	reason string
	done   chan outcome
}

type outcome struct {
	result domain.DiscoveryResult
	err    error
}

func NewService(registry Registry, caller domain.ExtensionCaller, metrics domain.Metrics, timeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	s := &Service{
		registry: registry,
		caller:   caller,
		metrics:  metrics,
		logger:   logger.Named("discovery"),
		now:      time.Now,
		ctx:      context.Background(),
		trackers: make(map[domain.AppID]*tracker),
	}
	s.idle = sync.NewCond(&s.mu)
	s.SetTimeout(timeout)
	return s
}

// SetTimeout bounds each registerDynamics call; zero disables the bound.
func (s *Service) SetTimeout(timeout time.Duration) {
	if timeout < 0 {
		timeout = 0
	}
	s.timeout.Store(int64(timeout))
}

func (s *Service) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// Run consumes lifecycle events until ctx is done or the source closes.
func (s *Service) Run(ctx context.Context, source domain.LifecycleSource) error {
	if source == nil {
		return errors.New("discovery: lifecycle source is required")
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	events := source.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			s.Handle(event)
		}
	}
}

// Handle routes one lifecycle event to the app's mailbox.
func (s *Service) Handle(event domain.LifecycleEvent) {
	if event.App == "" {
		s.logger.Warn("lifecycle event without app id", zap.String("kind", string(event.Kind)))
		return
	}
	s.logger.Debug("lifecycle event",
		telemetry.AppField(event.App),
		telemetry.EventField(string(event.Kind)),
		zap.String("reason", event.Reason),
	)
	switch event.Kind {
	case domain.LifecycleConnected, domain.LifecycleReloaded:
		s.enqueue(event.App, event.Target, job{kind: jobDiscover, reason: string(event.Kind)})
	case domain.LifecycleDisconnected, domain.LifecyclePortChanged:
		s.enqueue(event.App, event.Target, job{kind: jobEvict, reason: string(event.Kind)})
	default:
		s.logger.Warn("unknown lifecycle event", zap.String("kind", string(event.Kind)))
	}
}

// Rediscover runs a discovery cycle for app, or for every tracked app when
// app is empty, and waits for the outcomes.
func (s *Service) Rediscover(ctx context.Context, app domain.AppID) ([]domain.DiscoveryResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	apps := []domain.AppID{app}
	if app == "" {
		apps = s.trackedApps()
	}

	pending := make([]chan outcome, 0, len(apps))
	for _, id := range apps {
		done := make(chan outcome, 1)
		s.enqueue(id, "", job{kind: jobDiscover, reason: "rediscover", done: done})
		pending = append(pending, done)
	}

	results := make([]domain.DiscoveryResult, 0, len(pending))
	var errs []error
	for i, done := range pending {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case out := <-done:
			if out.err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", apps[i], out.err))
				continue
			}
			results = append(results, out.result)
		}
	}
	return results, errors.Join(errs...)
}

// States reports every tracked app, sorted by id.
func (s *Service) States() []domain.AppStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AppStatus, 0, len(s.trackers))
	for _, t := range s.trackers {
		out = append(out, t.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].App < out[j].App })
	return out
}

// State reports the tracked state of app.
func (s *Service) State(app domain.AppID) (domain.AppStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[app]
	if !ok {
		return domain.AppStatus{}, false
	}
	return t.status, true
}

// WaitIdle blocks until no mailbox has pending work.
func (s *Service) WaitIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.busyLocked() {
		s.idle.Wait()
	}
}

func (s *Service) busyLocked() bool {
	for _, t := range s.trackers {
		if t.running {
			return true
		}
	}
	return false
}

func (s *Service) trackedApps() []domain.AppID {
	s.mu.Lock()
	defer s.mu.Unlock()
	apps := make([]domain.AppID, 0, len(s.trackers))
	for app := range s.trackers {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i] < apps[j] })
	return apps
}

func (s *Service) enqueue(app domain.AppID, target string, j job) {
	s.mu.Lock()
	t, ok := s.trackers[app]
	if !ok {
		t = &tracker{status: domain.AppStatus{App: app, State: domain.AppStateDisconnected}}
		s.trackers[app] = t
	}
	if target != "" {
		t.target = target
	}
	t.queue = append(t.queue, j)
	start := !t.running
	t.running = true
	ctx := s.ctx
	s.mu.Unlock()

	if start {
		go s.drain(ctx, app)
	}
}

func (s *Service) drain(ctx context.Context, app domain.AppID) {
	for {
		s.mu.Lock()
		t := s.trackers[app]
		if len(t.queue) == 0 {
			t.running = false
			if t.status.State == domain.AppStateDisconnected {
				delete(s.trackers, app)
			}
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		next := t.queue[0]
		t.queue = t.queue[1:]
		s.mu.Unlock()

		var out outcome
		switch next.kind {
		case jobDiscover:
			out.result, out.err = s.discover(ctx, app, next.reason)
		case jobEvict:
			s.evict(app, next.reason)
		}
		if next.done != nil {
			next.done <- out
		}
	}
}

func (s *Service) discover(ctx context.Context, app domain.AppID, reason string) (domain.DiscoveryResult, error) {
	const op = "discovery.discover"
	logger := s.logger.With(telemetry.AppField(app), zap.String("reason", reason))
	if !s.registry.Enabled() {
		logger.Warn("dynamic registry disabled; skipping discovery")
		s.metrics.ObserveDiscovery(domain.DiscoveryStatusSkipped, 0)
		return domain.DiscoveryResult{}, domain.E(domain.CodeFailedPrecond, op, "", domain.ErrRegistryDisabled)
	}

	previous := s.setState(app, func(status *domain.AppStatus) {
		status.State = domain.AppStateDiscovering
	})
	start := s.now()

	result, err := s.cycle(ctx, app)
	duration := s.now().Sub(start)
	if err != nil {
		logger.Warn("discovery failed; registry left unchanged", zap.Error(err), telemetry.DurationField(duration))
		s.metrics.ObserveDiscovery(domain.DiscoveryStatusFailure, duration)
		s.setState(app, func(status *domain.AppStatus) {
			status.State = previous.State
			status.LastError = err.Error()
		})
		return domain.DiscoveryResult{}, domain.Wrap(domain.CodeUnavailable, op, err)
	}

	s.metrics.ObserveDiscovery(domain.DiscoveryStatusSuccess, duration)
	s.setState(app, func(status *domain.AppStatus) {
		status.State = domain.AppStateRegistered
		status.LastDiscovery = s.now()
		status.LastError = ""
		status.ToolCount = len(result.Tools)
		status.ResourceCount = len(result.Resources)
	})
	logger.Info("dynamic registrations refreshed",
		zap.Int("tools", len(result.Tools)),
		zap.Int("resources", len(result.Resources)),
		zap.Int("removed_tools", result.Replace.RemovedTools),
		zap.Int("removed_resources", result.Replace.RemovedResources),
		telemetry.DurationField(duration),
	)
	return result, nil
}

func (s *Service) cycle(ctx context.Context, app domain.AppID) (domain.DiscoveryResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := s.Timeout(); timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	raw, err := s.caller.CallExtension(callCtx, app, domain.ExtensionRegisterDynamics, nil)
	if err != nil {
		return domain.DiscoveryResult{}, fmt.Errorf("call %s: %w", domain.ExtensionRegisterDynamics, err)
	}
	payload, err := decodeDynamics(raw)
	if err != nil {
		return domain.DiscoveryResult{}, err
	}
	meta := map[string]string{"source": "discovery"}
	if target := s.targetOf(app); target != "" {
		meta["target"] = target
	}
	replaced, err := s.registry.ReplaceApp(app, payload.Tools, payload.Resources, meta)
	if err != nil {
		return domain.DiscoveryResult{}, err
	}
	return domain.DiscoveryResult{
		App:       app,
		Tools:     payload.Tools,
		Resources: payload.Resources,
		Replace:   replaced,
	}, nil
}

// evict declares app gone. With the registry disabled the store holds the
// eviction and applies it once the registry is enabled again.
func (s *Service) evict(app domain.AppID, reason string) {
	enabled := s.registry.Enabled()
	tools, resources := s.registry.UnregisterApp(app)
	s.setState(app, func(status *domain.AppStatus) {
		status.State = domain.AppStateDisconnected
		status.ToolCount = 0
		status.ResourceCount = 0
	})
	if !enabled {
		s.logger.Info("app gone while registry disabled; eviction deferred",
			telemetry.AppField(app),
			zap.String("reason", reason),
		)
		return
	}
	s.logger.Info("app gone; registrations evicted",
		telemetry.AppField(app),
		zap.String("reason", reason),
		zap.Int("removed_tools", tools),
		zap.Int("removed_resources", resources),
	)
}

// setState mutates the tracked status of app and returns its prior value.
func (s *Service) setState(app domain.AppID, mutate func(*domain.AppStatus)) domain.AppStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[app]
	if !ok {
		return domain.AppStatus{}
	}
	prev := t.status
	mutate(&t.status)
	return prev
}

func (s *Service) targetOf(app domain.AppID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[app]; ok && t.target != "" {
		return t.target
	}
	return app.Target()
}
