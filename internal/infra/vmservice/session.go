package vmservice

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/telemetry"
)

// session tracks one websocket connection. The app id rotates whenever the
// advertising isolate exits, so every announced lifetime has its own id.
type session struct {
	source *Source
	target domain.AppTarget
	conn   *conn
	logger *zap.Logger

	mu        sync.Mutex
	app       domain.AppID
	isolateID string
	announced bool
}

func newSession(source *Source, target domain.AppTarget, c *conn, logger *zap.Logger) *session {
	s := &session{
		source: source,
		target: target,
		conn:   c,
		logger: logger,
		app:    domain.NewAppID(target.Name, uuid.NewString()),
	}
	source.bindSession(s.app, s)
	return s
}

func (s *session) serve(ctx context.Context) {
	if err := s.listen(ctx); err != nil {
		s.logger.Warn("stream subscription failed", zap.Error(err))
		return
	}
	if err := s.scanIsolates(ctx); err != nil {
		s.logger.Warn("isolate scan failed", zap.Error(err))
	}

	var ticks <-chan time.Time
	if interval := s.source.pingInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	probe := pingProbe{Timeout: s.source.pingTimeout()}

	events := s.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Done():
			return
		case <-ticks:
			if err := probe.Ping(ctx, s.conn); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("vm service unresponsive; dropping session", zap.Error(err))
				return
			}
		case note, ok := <-events:
			if !ok {
				return
			}
			s.handle(note)
		}
	}
}

func (s *session) listen(ctx context.Context) error {
	for _, stream := range []string{streamIsolate, streamExtension} {
		callCtx, cancel := s.requestContext(ctx)
		_, err := s.conn.call(callCtx, methodStreamListen, map[string]string{"streamId": stream})
		cancel()
		if err == nil {
			continue
		}
		if code, ok := rpcErrorCode(err); ok && code == errStreamAlreadySubscribed {
			continue
		}
		return fmt.Errorf("listen %s: %w", stream, err)
	}
	return nil
}

// scanIsolates finds an isolate that already registered the discovery extension.
func (s *session) scanIsolates(ctx context.Context) error {
	callCtx, cancel := s.requestContext(ctx)
	raw, err := s.conn.call(callCtx, methodGetVM, map[string]string{})
	cancel()
	if err != nil {
		return err
	}
	var vm vmInfo
	if err := json.Unmarshal(raw, &vm); err != nil {
		return fmt.Errorf("decode getVM: %w", err)
	}
	for _, ref := range vm.Isolates {
		callCtx, cancel := s.requestContext(ctx)
		raw, err := s.conn.call(callCtx, methodGetIsolate, map[string]string{"isolateId": ref.ID})
		cancel()
		if err != nil {
			s.logger.Debug("getIsolate failed", zap.String("isolate", ref.ID), zap.Error(err))
			continue
		}
		var info isolateInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		if slices.Contains(info.ExtensionRPCs, domain.ExtensionRegisterDynamics) {
			s.advertise(ref.ID, "extension present")
			return nil
		}
	}
	return nil
}

func (s *session) handle(note streamNotification) {
	event := note.Event
	switch event.Kind {
	case eventServiceExtensionAdded:
		if event.ExtensionRPC == domain.ExtensionRegisterDynamics {
			s.advertise(event.isolateID(), "service extension added")
		}
	case eventExtension:
		if event.ExtensionKind == domain.ExtensionEventToolRegistration {
			s.advertise(event.isolateID(), "tool registration event")
		}
	case eventIsolateReload:
		s.mu.Lock()
		matches := s.announced && event.isolateID() == s.isolateID
		app := s.app
		s.mu.Unlock()
		if matches {
			s.emit(domain.LifecycleReloaded, app, "isolate reloaded")
		}
	case eventIsolateExit:
		s.retire(event.isolateID())
	}
}

// advertise records the isolate that serves the toolkit extensions. The first
// advertisement connects the app; later ones ask for a fresh discovery.
func (s *session) advertise(isolateID, reason string) {
	if isolateID == "" {
		return
	}
	s.mu.Lock()
	first := !s.announced
	s.announced = true
	s.isolateID = isolateID
	app := s.app
	s.mu.Unlock()

	kind := domain.LifecycleReloaded
	if first {
		kind = domain.LifecycleConnected
	}
	s.emit(kind, app, reason)
}

func (s *session) retire(isolateID string) {
	s.mu.Lock()
	if isolateID == "" || isolateID != s.isolateID {
		s.mu.Unlock()
		return
	}
	old := s.app
	wasAnnounced := s.announced
	s.announced = false
	s.isolateID = ""
	s.app = domain.NewAppID(s.target.Name, uuid.NewString())
	next := s.app
	s.mu.Unlock()

	s.source.unbindSession(old)
	s.source.bindSession(next, s)
	if wasAnnounced {
		s.emit(domain.LifecycleDisconnected, old, "isolate exited")
	}
}

// finish unbinds the session and reports its end when it was announced.
func (s *session) finish(kind domain.LifecycleEventKind) {
	s.mu.Lock()
	app := s.app
	announced := s.announced
	s.announced = false
	s.isolateID = ""
	s.mu.Unlock()

	s.source.unbindSession(app)
	if announced {
		s.emit(kind, app, "session closed")
	}
}

func (s *session) emit(kind domain.LifecycleEventKind, app domain.AppID, reason string) {
	s.logger.Info("app lifecycle", telemetry.EventField(string(kind)), telemetry.AppField(app), zap.String("reason", reason))
	s.source.emit(domain.LifecycleEvent{
		Kind:   kind,
		App:    app,
		Target: s.target.Name,
		URI:    s.target.VMServiceURI,
		Reason: reason,
	})
}

func (s *session) announcedApp() (domain.AppID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app, s.announced
}

func (s *session) isolate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isolateID
}

func (s *session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := s.source.requestTimeout(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
