package vmservice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	methodGetVM        = "getVM"
	methodGetVersion   = "getVersion"
	methodGetIsolate   = "getIsolate"
	methodStreamListen = "streamListen"
	methodStreamNotify = "streamNotify"

	streamIsolate   = "Isolate"
	streamExtension = "Extension"

	eventServiceExtensionAdded = "ServiceExtensionAdded"
	eventIsolateReload         = "IsolateReload"
	eventIsolateExit           = "IsolateExit"
	eventExtension             = "Extension"

	// errStreamAlreadySubscribed is returned by streamListen for a stream the
	// session already listens to.
	errStreamAlreadySubscribed = 103
)

type isolateRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type vmInfo struct {
	Isolates []isolateRef `json:"isolates"`
}

type isolateInfo struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	ExtensionRPCs []string `json:"extensionRPCs"`
}

type streamNotification struct {
	StreamID string      `json:"streamId"`
	Event    streamEvent `json:"event"`
}

type streamEvent struct {
	Kind          string          `json:"kind"`
	Isolate       *isolateRef     `json:"isolate,omitempty"`
	ExtensionRPC  string          `json:"extensionRPC,omitempty"`
	ExtensionKind string          `json:"extensionKind,omitempty"`
	ExtensionData json.RawMessage `json:"extensionData,omitempty"`
}

func (e streamEvent) isolateID() string {
	if e.Isolate == nil {
		return ""
	}
	return e.Isolate.ID
}

// extensionParams flattens args into the string-valued parameter map service
// extensions receive. Non-string values are JSON encoded.
func extensionParams(isolateID string, args map[string]any) (map[string]string, error) {
	params := make(map[string]string, len(args)+1)
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		switch value := args[key].(type) {
		case string:
			params[key] = value
		case nil:
			continue
		default:
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("encode argument %q: %w", key, err)
			}
			params[key] = string(raw)
		}
	}
	params["isolateId"] = isolateID
	return params, nil
}

// stripExtensionEnvelope removes the bookkeeping keys the VM service adds to
// extension responses.
func stripExtensionEnvelope(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return trimmed
	}
	var kind string
	if typeRaw, ok := fields["type"]; ok {
		_ = json.Unmarshal(typeRaw, &kind)
	}
	if kind != "_extensionType" {
		return trimmed
	}
	delete(fields, "type")
	delete(fields, "method")
	out, err := json.Marshal(fields)
	if err != nil {
		return trimmed
	}
	return out
}
