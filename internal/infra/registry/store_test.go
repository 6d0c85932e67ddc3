package registry

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.RegistryEvent
}

func (r *recordingEmitter) EmitRegistryEvent(event domain.RegistryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) kinds() []domain.RegistryEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RegistryEventKind, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Kind)
	}
	return out
}

func (r *recordingEmitter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newTestStore() (*Store, *recordingEmitter) {
	emitter := &recordingEmitter{}
	return NewStore(zap.NewNop(), emitter, nil), emitter
}

func tool(name string) domain.ToolDefinition {
	return domain.ToolDefinition{Name: name, Description: name + " tool"}
}

func toolNamesOwnedBy(store *Store, app domain.AppID) []string {
	var names []string
	for _, reg := range store.Tools() {
		if reg.App == app {
			names = append(names, reg.Tool.Name)
		}
	}
	sort.Strings(names)
	return names
}

func TestStore_RegisterToolDefaultsInputSchema(t *testing.T) {
	store, emitter := newTestStore()

	reg, err := store.RegisterTool(tool("say_hello"), "demo@1", map[string]string{"source": "discovery"})
	require.NoError(t, err)
	require.Equal(t, domain.AppID("demo@1"), reg.App)
	require.JSONEq(t, `{"type":"object"}`, string(reg.Tool.InputSchema))
	require.False(t, reg.RegisteredAt.IsZero())
	require.Equal(t, "discovery", reg.Metadata["source"])
	require.Equal(t, []domain.RegistryEventKind{domain.RegistryEventToolRegistered}, emitter.kinds())
}

func TestStore_RejectsInvalidInput(t *testing.T) {
	store, emitter := newTestStore()

	_, err := store.RegisterTool(domain.ToolDefinition{Name: "  "}, "demo@1", nil)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvalidArgument, code)

	_, err = store.RegisterTool(tool("ok"), "", nil)
	require.Error(t, err)

	_, err = store.RegisterTool(domain.ToolDefinition{Name: "broken", InputSchema: json.RawMessage(`{`)}, "demo@1", nil)
	require.Error(t, err)

	_, err = store.RegisterResource(domain.ResourceDefinition{}, "demo@1", nil)
	require.Error(t, err)

	require.Empty(t, emitter.kinds())
	require.Empty(t, store.Tools())
}

func TestStore_ReRegistrationFromSameAppReplaces(t *testing.T) {
	store, _ := newTestStore()

	_, err := store.RegisterTool(domain.ToolDefinition{
		Name:        "say_hello",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}}}`),
	}, "demo@1", nil)
	require.NoError(t, err)
	_, err = store.RegisterTool(domain.ToolDefinition{
		Name:        "say_hello",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"greeting":{"type":"string"}}}`),
	}, "demo@1", nil)
	require.NoError(t, err)

	tools := store.Tools()
	require.Len(t, tools, 1)
	require.JSONEq(t, `{"type":"object","properties":{"greeting":{"type":"string"}}}`, string(tools[0].Tool.InputSchema))
	require.Equal(t, []string{"say_hello"}, store.AppEntries("demo@1").Tools)
	require.NoError(t, store.CheckConsistency())
}

func TestStore_ConflictLastWriterWins(t *testing.T) {
	store, emitter := newTestStore()

	_, err := store.RegisterTool(tool("shared"), "old@1", nil)
	require.NoError(t, err)
	_, err = store.RegisterTool(tool("only_old"), "old@1", nil)
	require.NoError(t, err)
	_, err = store.RegisterTool(tool("shared"), "new@2", nil)
	require.NoError(t, err)

	reg, ok := store.LookupTool("shared")
	require.True(t, ok)
	require.Equal(t, domain.AppID("new@2"), reg.App)
	require.Equal(t, []string{"only_old"}, store.AppEntries("old@1").Tools)
	require.Equal(t, []string{"shared"}, store.AppEntries("new@2").Tools)
	require.NoError(t, store.CheckConsistency())

	last := emitter.events[len(emitter.events)-1]
	require.Equal(t, domain.AppID("old@1"), last.PreviousApp)
}

func TestStore_ConflictRemovesEmptyPreviousOwner(t *testing.T) {
	store, _ := newTestStore()

	_, err := store.RegisterResource(domain.ResourceDefinition{URI: "visual://app/state"}, "old@1", nil)
	require.NoError(t, err)
	_, err = store.RegisterResource(domain.ResourceDefinition{URI: "visual://app/state"}, "new@2", nil)
	require.NoError(t, err)

	require.Equal(t, []domain.AppID{"new@2"}, store.Apps())
	require.NoError(t, store.CheckConsistency())
}

func TestStore_UnregisterUnknownIsNoop(t *testing.T) {
	store, emitter := newTestStore()

	require.False(t, store.UnregisterTool("missing"))
	require.False(t, store.UnregisterResource("missing://x"))
	require.Empty(t, emitter.kinds())

	_, err := store.RegisterTool(tool("present"), "demo@1", nil)
	require.NoError(t, err)
	emitter.reset()

	require.True(t, store.UnregisterTool("present"))
	require.Equal(t, []domain.RegistryEventKind{domain.RegistryEventToolUnregistered}, emitter.kinds())
	require.Empty(t, store.Apps())
}

func TestStore_UnregisterAppIsIdempotent(t *testing.T) {
	store, emitter := newTestStore()

	_, err := store.RegisterTool(tool("a"), "demo@1", nil)
	require.NoError(t, err)
	_, err = store.RegisterTool(tool("b"), "demo@1", nil)
	require.NoError(t, err)
	_, err = store.RegisterResource(domain.ResourceDefinition{URI: "app://logs"}, "demo@1", nil)
	require.NoError(t, err)
	_, err = store.RegisterTool(tool("other"), "other@1", nil)
	require.NoError(t, err)
	emitter.reset()

	tools, resources := store.UnregisterApp("demo@1")
	require.Equal(t, 2, tools)
	require.Equal(t, 1, resources)
	require.Len(t, emitter.events, 1)
	require.Equal(t, domain.RegistryEventAppUnregistered, emitter.events[0].Kind)
	require.Equal(t, 2, emitter.events[0].RemovedTools)
	require.Equal(t, 1, emitter.events[0].RemovedResources)

	first := store.Snapshot()
	tools, resources = store.UnregisterApp("demo@1")
	require.Zero(t, tools)
	require.Zero(t, resources)
	require.Len(t, emitter.events, 1)
	if diff := cmp.Diff(first, store.Snapshot()); diff != "" {
		t.Fatalf("second unregister changed state (-first +second):\n%s", diff)
	}
	require.Equal(t, []string{"other"}, toolNamesOwnedBy(store, "other@1"))
}

func TestStore_ReplaceAppFullRefresh(t *testing.T) {
	store, emitter := newTestStore()

	_, err := store.ReplaceApp("demo@1", []domain.ToolDefinition{tool("x"), tool("y")}, nil, nil)
	require.NoError(t, err)
	emitter.reset()

	result, err := store.ReplaceApp("demo@1", []domain.ToolDefinition{tool("y"), tool("z")}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, domain.ReplaceResult{RemovedTools: 2, RegisteredTools: 2}, result)
	require.Equal(t, []string{"y", "z"}, store.AppEntries("demo@1").Tools)
	_, ok := store.LookupTool("x")
	require.False(t, ok)
	require.Equal(t, []domain.RegistryEventKind{
		domain.RegistryEventAppUnregistered,
		domain.RegistryEventToolRegistered,
		domain.RegistryEventToolRegistered,
	}, emitter.kinds())
	require.NoError(t, store.CheckConsistency())
}

func TestStore_ReplaceAppValidatesBeforeMutating(t *testing.T) {
	store, _ := newTestStore()

	_, err := store.ReplaceApp("demo@1", []domain.ToolDefinition{tool("keep")}, nil, nil)
	require.NoError(t, err)

	_, err = store.ReplaceApp("demo@1", []domain.ToolDefinition{tool("new"), {Name: ""}}, nil, nil)
	require.Error(t, err)
	require.Equal(t, []string{"keep"}, store.AppEntries("demo@1").Tools)
}

func TestStore_DisabledIsNoop(t *testing.T) {
	store, emitter := newTestStore()
	_, err := store.RegisterTool(tool("existing"), "demo@1", nil)
	require.NoError(t, err)
	emitter.reset()

	store.SetEnabled(false)
	reg, err := store.RegisterTool(tool("ignored"), "demo@1", nil)
	require.NoError(t, err)
	require.Empty(t, reg.Tool.Name)
	require.False(t, store.UnregisterTool("existing"))
	tools, resources := store.UnregisterApp("demo@1")
	require.Zero(t, tools+resources)
	_, err = store.ReplaceApp("demo@1", nil, nil, nil)
	require.NoError(t, err)

	require.Empty(t, emitter.kinds())
	require.False(t, store.Snapshot().Enabled)
	require.Equal(t, []string{"existing"}, store.AppEntries("demo@1").Tools)

	store.SetEnabled(true)
	require.Empty(t, store.AppEntries("demo@1").Tools)
	require.Equal(t, []domain.RegistryEventKind{domain.RegistryEventAppUnregistered}, emitter.kinds())
}

func TestStore_UnregisterAppWhileDisabledIsAppliedOnEnable(t *testing.T) {
	store, emitter := newTestStore()
	_, err := store.ReplaceApp("gone@1", []domain.ToolDefinition{tool("say_hello")}, []domain.ResourceDefinition{{URI: "app://state"}}, nil)
	require.NoError(t, err)
	_, err = store.RegisterTool(tool("keep"), "live@1", nil)
	require.NoError(t, err)
	emitter.reset()

	store.SetEnabled(false)
	tools, resources := store.UnregisterApp("gone@1")
	require.Zero(t, tools+resources)
	store.UnregisterApp("never-registered@1")
	require.Equal(t, []string{"say_hello"}, store.AppEntries("gone@1").Tools)

	store.SetEnabled(true)
	_, ok := store.LookupTool("say_hello")
	require.False(t, ok)
	_, ok = store.LookupResource("app://state")
	require.False(t, ok)
	require.Equal(t, []domain.AppID{"live@1"}, store.Apps())
	require.NoError(t, store.CheckConsistency())

	emitter.mu.Lock()
	events := append([]domain.RegistryEvent(nil), emitter.events...)
	emitter.mu.Unlock()
	require.Len(t, events, 1)
	require.Equal(t, domain.RegistryEventAppUnregistered, events[0].Kind)
	require.Equal(t, domain.AppID("gone@1"), events[0].App)
	require.Equal(t, 1, events[0].RemovedTools)
	require.Equal(t, 1, events[0].RemovedResources)

	// The deferral is consumed once.
	emitter.reset()
	store.SetEnabled(false)
	store.SetEnabled(true)
	require.Empty(t, emitter.kinds())
}

func TestStore_Snapshot(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.ReplaceApp("b@1", []domain.ToolDefinition{tool("two"), tool("one")}, []domain.ResourceDefinition{{URI: "app://tree"}}, nil)
	require.NoError(t, err)
	_, err = store.RegisterTool(tool("alpha"), "a@1", nil)
	require.NoError(t, err)

	want := domain.RegistrySnapshot{
		Enabled:       true,
		ToolCount:     3,
		ResourceCount: 1,
		Apps: []domain.AppRegistrations{
			{App: "a@1", Tools: []string{"alpha"}, Resources: []string{}},
			{App: "b@1", Tools: []string{"one", "two"}, Resources: []string{"app://tree"}},
		},
	}
	if diff := cmp.Diff(want, store.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_RandomMutationsKeepIndicesInLockStep(t *testing.T) {
	store, _ := newTestStore()
	rng := rand.New(rand.NewSource(42))
	apps := []domain.AppID{"a@1", "b@1", "c@1"}
	names := []string{"n0", "n1", "n2", "n3", "n4", "n5"}

	for step := 0; step < 2000; step++ {
		app := apps[rng.Intn(len(apps))]
		name := names[rng.Intn(len(names))]
		switch rng.Intn(6) {
		case 0, 1:
			_, err := store.RegisterTool(tool(name), app, nil)
			require.NoError(t, err)
		case 2:
			_, err := store.RegisterResource(domain.ResourceDefinition{URI: "res://" + name}, app, nil)
			require.NoError(t, err)
		case 3:
			store.UnregisterTool(name)
		case 4:
			store.UnregisterApp(app)
		case 5:
			defs := []domain.ToolDefinition{tool(name), tool(names[rng.Intn(len(names))])}
			_, err := store.ReplaceApp(app, defs, nil, nil)
			require.NoError(t, err)
		}

		require.NoError(t, store.CheckConsistency(), "step %d", step)

		seen := make(map[string]struct{})
		for _, reg := range store.Tools() {
			_, dup := seen[reg.Tool.Name]
			require.False(t, dup, "duplicate tool %s at step %d", reg.Tool.Name, step)
			seen[reg.Tool.Name] = struct{}{}
		}
		for _, a := range apps {
			got := store.AppEntries(a).Tools
			want := toolNamesOwnedBy(store, a)
			require.Equal(t, want, got, "ownership mismatch for %s at step %d", a, step)
		}
	}
}

func TestStore_ConcurrentMutations(t *testing.T) {
	store, _ := newTestStore()
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			app := domain.AppID(fmt.Sprintf("app@%d", worker%3))
			for i := 0; i < 200; i++ {
				name := fmt.Sprintf("tool_%d", i%10)
				_, _ = store.RegisterTool(tool(name), app, nil)
				if i%7 == 0 {
					store.UnregisterApp(app)
				}
				if i%11 == 0 {
					_, _ = store.ReplaceApp(app, []domain.ToolDefinition{tool(name)}, nil, nil)
				}
			}
		}(worker)
	}
	wg.Wait()
	require.NoError(t, store.CheckConsistency())
}

type gaugeRecorder struct {
	domain.NoopMetrics
	mu   sync.Mutex
	last [3]int
}

func (g *gaugeRecorder) SetRegistrations(tools, resources, apps int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = [3]int{tools, resources, apps}
}

func TestStore_GaugesMatchFinalCountsAfterConcurrentMutations(t *testing.T) {
	gauges := &gaugeRecorder{}
	store := NewStore(zap.NewNop(), nil, gauges)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			app := domain.AppID(fmt.Sprintf("app@%d", i))
			for j := 0; j < 50; j++ {
				_, err := store.ReplaceApp(app, []domain.ToolDefinition{tool(fmt.Sprintf("t%d_%d", i, j))}, nil, nil)
				require.NoError(t, err)
				if j%3 == 0 {
					store.UnregisterApp(app)
				}
			}
		}(i)
	}
	wg.Wait()

	snapshot := store.Snapshot()
	gauges.mu.Lock()
	defer gauges.mu.Unlock()
	require.Equal(t, [3]int{snapshot.ToolCount, snapshot.ResourceCount, len(snapshot.Apps)}, gauges.last)
}
