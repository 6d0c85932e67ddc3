package vmservice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"fluttermcp/internal/domain"
)

const fakeIsolate = "isolates/1"

// fakeVM speaks enough of the VM service protocol to drive a Source.
type fakeVM struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*fakeConn
	calls []string
	// silent stops answering getVersion, like a paused VM.
	silent bool
}

type fakeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *fakeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

type fakeRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params map[string]string `json:"params"`
}

func newFakeVM(t *testing.T) *fakeVM {
	t.Helper()
	vm := &fakeVM{t: t}
	vm.server = httptest.NewServer(http.HandlerFunc(vm.serve))
	t.Cleanup(vm.server.Close)
	return vm
}

func (vm *fakeVM) URI() string {
	return "ws" + strings.TrimPrefix(vm.server.URL, "http") + "/ws"
}

func (vm *fakeVM) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := vm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeConn{ws: ws}
	vm.mu.Lock()
	vm.conns = append(vm.conns, conn)
	vm.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req fakeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		vm.mu.Lock()
		vm.calls = append(vm.calls, req.Method)
		vm.mu.Unlock()

		vm.mu.Lock()
		silent := vm.silent && req.Method == methodGetVersion
		vm.mu.Unlock()
		if silent {
			continue
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		result, rpcErr := vm.respond(req)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		if err := conn.writeJSON(resp); err != nil {
			return
		}
	}
}

func (vm *fakeVM) respond(req fakeRequest) (any, map[string]any) {
	switch req.Method {
	case methodStreamListen:
		return map[string]any{"type": "Success"}, nil
	case methodGetVersion:
		return map[string]any{"type": "Version", "major": 4, "minor": 0}, nil
	case methodGetVM:
		return map[string]any{"type": "VM", "isolates": []map[string]any{{"type": "@Isolate", "id": fakeIsolate}}}, nil
	case methodGetIsolate:
		return map[string]any{
			"type":          "Isolate",
			"id":            req.Params["isolateId"],
			"extensionRPCs": []string{domain.ExtensionRegisterDynamics, "ext.mcp.toolkit.say_hello"},
		}, nil
	case domain.ExtensionRegisterDynamics:
		return map[string]any{
			"type":   "_extensionType",
			"method": req.Method,
			"tools":  []map[string]any{{"name": "say_hello"}},
		}, nil
	case "ext.mcp.toolkit.say_hello":
		return map[string]any{
			"type":    "_extensionType",
			"method":  req.Method,
			"message": "Hello, " + req.Params["name"] + "!",
			"count":   req.Params["count"],
			"isolate": req.Params["isolateId"],
		}, nil
	default:
		return nil, map[string]any{"code": -32601, "message": "Method not found"}
	}
}

// push sends a stream event on the newest connection.
func (vm *fakeVM) push(stream string, event map[string]any) {
	vm.mu.Lock()
	conn := vm.conns[len(vm.conns)-1]
	vm.mu.Unlock()
	_ = conn.writeJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  methodStreamNotify,
		"params":  map[string]any{"streamId": stream, "event": event},
	})
}

// drop closes every live connection.
func (vm *fakeVM) drop() {
	vm.mu.Lock()
	conns := vm.conns
	vm.conns = nil
	vm.mu.Unlock()
	for _, conn := range conns {
		_ = conn.ws.Close()
	}
}

func (vm *fakeVM) connCount() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.conns)
}

func (vm *fakeVM) setSilent(silent bool) {
	vm.mu.Lock()
	vm.silent = silent
	vm.mu.Unlock()
}
