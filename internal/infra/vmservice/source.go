package vmservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/telemetry"
)

const lifecycleBuffer = 64

type dialFunc func(ctx context.Context, uri string, logger *zap.Logger) (*conn, error)

// Source keeps a VM service session open for every configured app. It is the
// lifecycle source for discovery and the extension caller for forwarding.
type Source struct {
	logger *zap.Logger
	dial   dialFunc

	mu       sync.Mutex
	cfg      domain.VMServiceConfig
	targets  map[string]domain.AppTarget
	runners  map[string]*runner
	sessions map[domain.AppID]*session
	ctx      context.Context

	// pingEvery overrides the configured probe interval.
	pingEvery time.Duration

	subMu sync.RWMutex
	subs  map[chan domain.LifecycleEvent]context.Context
}

type runner struct {
	target domain.AppTarget
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	stopKind domain.LifecycleEventKind
}

func (r *runner) stop(kind domain.LifecycleEventKind) {
	r.mu.Lock()
	r.stopKind = kind
	r.mu.Unlock()
	r.cancel()
}

func (r *runner) exitKind() domain.LifecycleEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopKind == "" {
		return domain.LifecycleDisconnected
	}
	return r.stopKind
}

func NewSource(cfg domain.VMServiceConfig, targets []domain.AppTarget, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{
		logger:   logger.Named("vmservice"),
		dial:     dial,
		cfg:      cfg,
		targets:  make(map[string]domain.AppTarget),
		runners:  make(map[string]*runner),
		sessions: make(map[domain.AppID]*session),
		subs:     make(map[chan domain.LifecycleEvent]context.Context),
	}
	for _, target := range targets {
		s.targets[target.Name] = target
	}
	return s
}

// Run connects to every target and keeps the sessions alive until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	for _, target := range s.targets {
		s.startLocked(target)
	}
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runners = make(map[string]*runner)
	s.mu.Unlock()

	for _, r := range runners {
		r.stop(domain.LifecycleDisconnected)
		<-r.done
	}
	return nil
}

// SetConfig updates reconnect and request timing for future attempts and calls.
func (s *Source) SetConfig(cfg domain.VMServiceConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// UpdateTargets reconciles the configured app list. A target whose VM service
// URI changed is reported as port_changed before the new session starts.
func (s *Source) UpdateTargets(targets []domain.AppTarget) {
	next := make(map[string]domain.AppTarget, len(targets))
	for _, target := range targets {
		next[target.Name] = target
	}

	s.mu.Lock()
	var stopped []*runner
	for name, current := range s.targets {
		updated, ok := next[name]
		if ok && updated.VMServiceURI == current.VMServiceURI {
			continue
		}
		kind := domain.LifecycleDisconnected
		if ok {
			kind = domain.LifecyclePortChanged
		}
		if r := s.runners[name]; r != nil {
			r.stop(kind)
			stopped = append(stopped, r)
			delete(s.runners, name)
		}
		s.logger.Info("vm service target changed",
			zap.String(telemetry.FieldTarget, name),
			zap.String("change", string(kind)),
		)
	}
	s.targets = next
	s.mu.Unlock()

	for _, r := range stopped {
		<-r.done
	}

	s.mu.Lock()
	if s.ctx != nil {
		for name, target := range s.targets {
			if _, running := s.runners[name]; !running {
				s.startLocked(target)
			}
		}
	}
	s.mu.Unlock()
}

// Targets lists the configured apps sorted by name.
func (s *Source) Targets() []domain.AppTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AppTarget, 0, len(s.targets))
	for _, target := range s.targets {
		out = append(out, target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Apps lists the app ids of sessions that advertised discovery support.
func (s *Source) Apps() []domain.AppID {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	out := make([]domain.AppID, 0, len(sessions))
	for _, sess := range sessions {
		if app, ok := sess.announcedApp(); ok {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reannounce emits connected for every announced session. Used after the
// dynamic registry is switched back on.
func (s *Source) Reannounce() {
	for _, app := range s.Apps() {
		s.emit(domain.LifecycleEvent{
			Kind:   domain.LifecycleConnected,
			App:    app,
			Target: app.Target(),
			Reason: "reannounce",
		})
	}
}

// Subscribe streams lifecycle events until ctx is done. Sends block until the
// subscriber reads or its ctx ends, so eviction signals are never dropped.
func (s *Source) Subscribe(ctx context.Context) <-chan domain.LifecycleEvent {
	ch := make(chan domain.LifecycleEvent, lifecycleBuffer)
	s.subMu.Lock()
	s.subs[ch] = ctx
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subMu.Unlock()
	}()
	return ch
}

func (s *Source) emit(event domain.LifecycleEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	s.logger.Debug("lifecycle event",
		telemetry.EventField(string(event.Kind)),
		telemetry.AppField(event.App),
		zap.String("reason", event.Reason),
	)
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch, ctx := range s.subs {
		select {
		case ch <- event:
		case <-ctx.Done():
		}
	}
}

// CallExtension invokes a service extension on the isolate that advertised
// discovery support for app.
func (s *Source) CallExtension(ctx context.Context, app domain.AppID, method string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	sess := s.sessions[app]
	timeout := s.cfg.RequestTimeout()
	s.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("%s: %w", app, domain.ErrAppNotConnected)
	}
	isolateID := sess.isolate()
	if isolateID == "" {
		return nil, fmt.Errorf("%s has no isolate: %w", app, domain.ErrAppNotConnected)
	}
	params, err := extensionParams(isolateID, args)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInvalidArgument, "vmservice.call_extension", err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	raw, err := sess.conn.call(ctx, method, params)
	if err != nil {
		if errors.Is(err, domain.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: %w", domain.ErrAppNotConnected, err)
		}
		return nil, err
	}
	return stripExtensionEnvelope(raw), nil
}

func (s *Source) startLocked(target domain.AppTarget) {
	ctx, cancel := context.WithCancel(s.ctx)
	r := &runner{target: target, cancel: cancel, done: make(chan struct{})}
	s.runners[target.Name] = r
	go s.runTarget(ctx, r)
}

func (s *Source) runTarget(ctx context.Context, r *runner) {
	defer close(r.done)
	logger := s.logger.With(zap.String(telemetry.FieldTarget, r.target.Name), zap.String(telemetry.FieldURI, r.target.VMServiceURI))

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	delay := newBackoff(cfg.ReconnectBase(), cfg.ReconnectMax())

	for ctx.Err() == nil {
		c, err := s.dial(ctx, r.target.VMServiceURI, logger)
		if err != nil {
			logger.Debug("vm service unreachable", zap.Error(err))
			if !delay.Sleep(ctx) {
				return
			}
			continue
		}
		delay.Reset()
		logger.Info("vm service connected")

		sess := newSession(s, r.target, c, logger)
		sess.serve(ctx)
		_ = c.Close()

		kind := domain.LifecycleDisconnected
		if ctx.Err() != nil {
			kind = r.exitKind()
		}
		sess.finish(kind)
		logger.Info("vm service session ended", zap.String("reason", string(kind)))

		if !delay.Sleep(ctx) {
			return
		}
	}
}

func (s *Source) bindSession(app domain.AppID, sess *session) {
	s.mu.Lock()
	s.sessions[app] = sess
	s.mu.Unlock()
}

func (s *Source) unbindSession(app domain.AppID) {
	s.mu.Lock()
	delete(s.sessions, app)
	s.mu.Unlock()
}

func (s *Source) pingInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingEvery > 0 {
		return s.pingEvery
	}
	return s.cfg.PingInterval()
}

// pingTimeout bounds one liveness probe by the request timeout.
func (s *Source) pingTimeout() time.Duration {
	if timeout := s.requestTimeout(); timeout > 0 && timeout < defaultPingTimeout {
		return timeout
	}
	return defaultPingTimeout
}

func (s *Source) requestTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RequestTimeout()
}

var (
	_ domain.LifecycleSource = (*Source)(nil)
	_ domain.ExtensionCaller = (*Source)(nil)
)
