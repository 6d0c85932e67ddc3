package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"fluttermcp/internal/domain"
	"fluttermcp/internal/infra/registry"
)

const (
	appA domain.AppID = "demo@session-a"
	appB domain.AppID = "other@session-b"
)

type scriptedCaller struct {
	mu        sync.Mutex
	responses map[domain.AppID][]response
	calls     map[domain.AppID]int
}

type response struct {
	raw string
	err error
}

func newScriptedCaller() *scriptedCaller {
	return &scriptedCaller{
		responses: make(map[domain.AppID][]response),
		calls:     make(map[domain.AppID]int),
	}
}

func (c *scriptedCaller) script(app domain.AppID, responses ...response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[app] = append(c.responses[app], responses...)
}

func (c *scriptedCaller) CallExtension(_ context.Context, app domain.AppID, method string, _ map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if method != domain.ExtensionRegisterDynamics {
		return nil, errors.New("unexpected method " + method)
	}
	c.calls[app]++
	queue := c.responses[app]
	if len(queue) == 0 {
		return nil, domain.ErrAppNotConnected
	}
	next := queue[0]
	if len(queue) > 1 {
		c.responses[app] = queue[1:]
	}
	if next.err != nil {
		return nil, next.err
	}
	return json.RawMessage(next.raw), nil
}

type fakeSource struct {
	ch chan domain.LifecycleEvent
}

func (f *fakeSource) Subscribe(context.Context) <-chan domain.LifecycleEvent {
	return f.ch
}

func newTestService(t *testing.T, caller domain.ExtensionCaller) (*Service, *registry.Store) {
	t.Helper()
	store := registry.NewStore(nil, nil, nil)
	return NewService(store, caller, nil, time.Second, nil), store
}

func toolNames(store *registry.Store) []string {
	regs := store.Tools()
	names := make([]string, 0, len(regs))
	for _, reg := range regs {
		names = append(names, reg.Tool.Name)
	}
	return names
}

func TestConnectedRegistersFullSet(t *testing.T) {
	caller := newScriptedCaller()
	caller.script(appA, response{raw: `{"tools":[{"name":"say_hello","inputSchema":{"type":"object"}}],"resources":[{"uri":"visual://localhost/app/state"}]}`})
	svc, store := newTestService(t, caller)

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appA, Target: "demo"})
	svc.WaitIdle()

	reg, ok := store.LookupTool("say_hello")
	require.True(t, ok)
	require.Equal(t, appA, reg.App)
	require.Equal(t, "demo", reg.Metadata["target"])
	_, ok = store.LookupResource("visual://localhost/app/state")
	require.True(t, ok)

	status, ok := svc.State(appA)
	require.True(t, ok)
	require.Equal(t, domain.AppStateRegistered, status.State)
	require.Equal(t, 1, status.ToolCount)
	require.Equal(t, 1, status.ResourceCount)
}

func TestReloadIsFullRefresh(t *testing.T) {
	caller := newScriptedCaller()
	caller.script(appA,
		response{raw: `{"tools":[{"name":"x"},{"name":"y"}]}`},
		response{raw: `{"tools":[{"name":"y"},{"name":"z"}]}`},
	)
	svc, store := newTestService(t, caller)

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appA})
	svc.WaitIdle()
	require.Equal(t, []string{"x", "y"}, toolNames(store))

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleReloaded, App: appA})
	svc.WaitIdle()
	if diff := cmp.Diff([]string{"y", "z"}, toolNames(store)); diff != "" {
		t.Fatalf("tools mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, store.CheckConsistency())
}

func TestFailedDiscoveryLeavesRegistryUnchanged(t *testing.T) {
	caller := newScriptedCaller()
	caller.script(appA,
		response{raw: `{"tools":[{"name":"keep"}]}`},
		response{raw: `{"tools":[{"name":"bad","inputSchema":{"type":"string"}}]}`},
	)
	svc, store := newTestService(t, caller)

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appA})
	svc.WaitIdle()
	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleReloaded, App: appA})
	svc.WaitIdle()

	require.Equal(t, []string{"keep"}, toolNames(store))
	status, ok := svc.State(appA)
	require.True(t, ok)
	require.Equal(t, domain.AppStateRegistered, status.State)
	require.Contains(t, status.LastError, "input schema type must be object")
}

func TestFreshAppFailureStaysDisconnected(t *testing.T) {
	caller := newScriptedCaller()
	caller.script(appA, response{err: errors.New("extension not registered")})
	svc, store := newTestService(t, caller)

	_, err := svc.Rediscover(context.Background(), appA)
	require.Error(t, err)
	svc.WaitIdle()

	require.Empty(t, store.Apps())
	_, tracked := svc.State(appA)
	require.False(t, tracked)
}

func TestDisconnectEvictsEverything(t *testing.T) {
	caller := newScriptedCaller()
	caller.script(appA, response{raw: `{"tools":[{"name":"say_hello"}],"resources":[{"uri":"app://a"}]}`})
	caller.script(appB, response{raw: `{"tools":[{"name":"other"}]}`})
	svc, store := newTestService(t, caller)

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appA})
	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appB})
	svc.WaitIdle()
	require.Len(t, store.Apps(), 2)

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleDisconnected, App: appA})
	svc.WaitIdle()

	require.Equal(t, []domain.AppID{appB}, store.Apps())
	_, ok := store.LookupTool("say_hello")
	require.False(t, ok)
	_, tracked := svc.State(appA)
	require.False(t, tracked)
	require.NoError(t, store.CheckConsistency())
}

func TestPortChangedEvicts(t *testing.T) {
	caller := newScriptedCaller()
	caller.script(appA, response{raw: `{"tools":[{"name":"say_hello"}]}`})
	svc, store := newTestService(t, caller)

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appA})
	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecyclePortChanged, App: appA})
	svc.WaitIdle()

	require.Empty(t, store.Tools())
}

func TestRediscoverAllTrackedApps(t *testing.T) {
	caller := newScriptedCaller()
	caller.script(appA, response{raw: `{"tools":[{"name":"a1"}]}`})
	caller.script(appB, response{raw: `{"result":"{\"tools\":[{\"name\":\"b1\"}]}"}`})
	svc, store := newTestService(t, caller)

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appA})
	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appB})
	svc.WaitIdle()

	results, err := svc.Rediscover(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, []string{"a1", "b1"}, toolNames(store))
	require.Len(t, svc.States(), 2)
}

func TestDisabledRegistrySkipsDiscovery(t *testing.T) {
	caller := newScriptedCaller()
	caller.script(appA, response{raw: `{"tools":[{"name":"x"}]}`})
	svc, store := newTestService(t, caller)
	store.SetEnabled(false)

	_, err := svc.Rediscover(context.Background(), appA)
	require.ErrorIs(t, err, domain.ErrRegistryDisabled)
	require.Zero(t, caller.calls[appA])
}

func TestRunConsumesSource(t *testing.T) {
	caller := newScriptedCaller()
	caller.script(appA, response{raw: `{"tools":[{"name":"say_hello"}]}`})
	svc, store := newTestService(t, caller)
	source := &fakeSource{ch: make(chan domain.LifecycleEvent, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, source) }()

	source.ch <- domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appA}
	require.Eventually(t, func() bool {
		_, ok := store.LookupTool("say_hello")
		return ok
	}, time.Second, 10*time.Millisecond)

	source.ch <- domain.LifecycleEvent{Kind: domain.LifecycleDisconnected, App: appA}
	require.Eventually(t, func() bool {
		return len(store.Tools()) == 0
	}, time.Second, 10*time.Millisecond)

	close(source.ch)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after source closed")
	}
}

func TestDisconnectWhileDisabledEvictsOnReenable(t *testing.T) {
	caller := newScriptedCaller()
	caller.script(appA, response{raw: `{"tools":[{"name":"say_hello"}],"resources":[{"uri":"visual://localhost/app/state"}]}`})
	caller.script(appB, response{raw: `{"tools":[{"name":"keep_me"}]}`})
	svc, store := newTestService(t, caller)

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appA})
	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appB})
	svc.WaitIdle()

	store.SetEnabled(false)
	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleDisconnected, App: appA})
	svc.WaitIdle()

	_, tracked := svc.State(appA)
	require.False(t, tracked)

	store.SetEnabled(true)

	_, ok := store.LookupTool("say_hello")
	require.False(t, ok)
	_, ok = store.LookupResource("visual://localhost/app/state")
	require.False(t, ok)
	require.Equal(t, []domain.AppID{appB}, store.Apps())
	require.Equal(t, []string{"keep_me"}, toolNames(store))
	require.NoError(t, store.CheckConsistency())
}

// blockingCaller holds every registerDynamics call until released.
type blockingCaller struct {
	started chan struct{}
	release chan struct{}
	raw     string
}

func (c *blockingCaller) CallExtension(ctx context.Context, _ domain.AppID, _ string, _ map[string]any) (json.RawMessage, error) {
	c.started <- struct{}{}
	select {
	case <-c.release:
		return json.RawMessage(c.raw), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEvictionWaitsForInFlightDiscovery(t *testing.T) {
	caller := &blockingCaller{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		raw:     `{"tools":[{"name":"say_hello"}]}`,
	}
	svc, store := newTestService(t, caller)

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleConnected, App: appA})
	select {
	case <-caller.started:
	case <-time.After(time.Second):
		t.Fatal("discovery call never started")
	}

	svc.Handle(domain.LifecycleEvent{Kind: domain.LifecycleDisconnected, App: appA})
	status, ok := svc.State(appA)
	require.True(t, ok)
	require.Equal(t, domain.AppStateDiscovering, status.State)
	require.Empty(t, store.Tools())

	close(caller.release)
	svc.WaitIdle()

	require.Empty(t, store.Tools())
	require.Empty(t, store.Apps())
	_, tracked := svc.State(appA)
	require.False(t, tracked)
	require.NoError(t, store.CheckConsistency())
}
