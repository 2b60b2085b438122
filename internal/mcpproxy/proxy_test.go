package mcpproxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeChild scripts the subordinate process: it answers each request line
// with whatever the handler returns, echoing back the request identifier.
type fakeChild struct {
	mu       sync.Mutex
	requests []map[string]any
}

func (f *fakeChild) recorded() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.requests))
	copy(out, f.requests)
	return out
}

type proxyHarness struct {
	clientIn io.WriteCloser
	// responses is fed by a goroutine that drains the proxy's client-side
	// output as it is produced. Draining must never wait on the test: the
	// plumbing is unbuffered pipes, so a test that writes several requests
	// before reading any response would otherwise wedge the whole relay.
	responses chan map[string]any
	child     *fakeChild
}

func (h *proxyHarness) send(t *testing.T, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := h.clientIn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func (h *proxyHarness) receive(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-h.responses:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client response")
		return nil
	}
}

// startProxy wires a proxy to a scripted subordinate. The handler maps an
// incoming child request to the result/error payload of its response.
func startProxy(t *testing.T, orchestratorURL string, handler func(req map[string]any) map[string]any) *proxyHarness {
	t.Helper()

	clientInR, clientInW := io.Pipe()
	clientOutR, clientOutW := io.Pipe()
	childInR, childInW := io.Pipe()
	childOutR, childOutW := io.Pipe()

	child := &fakeChild{}
	go func() {
		scanner := bufio.NewScanner(childInR)
		for scanner.Scan() {
			var req map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			child.mu.Lock()
			child.requests = append(child.requests, req)
			child.mu.Unlock()
			if _, hasID := req["id"]; !hasID {
				continue
			}
			var resp map[string]any
			if handler != nil {
				resp = handler(req)
			}
			if resp == nil {
				resp = map[string]any{"result": map[string]any{}}
			}
			resp["jsonrpc"] = "2.0"
			resp["id"] = req["id"]
			data, _ := json.Marshal(resp)
			_, _ = childOutW.Write(append(data, '\n'))
		}
	}()

	if orchestratorURL == "" {
		orchestratorURL = "http://127.0.0.1:1"
	}
	orchestrator, err := NewOrchestratorClient(OrchestratorConfig{BaseURL: orchestratorURL})
	if err != nil {
		t.Fatalf("NewOrchestratorClient: %v", err)
	}

	proxy, err := NewProxy(ProxyConfig{
		ClientIn:     clientInR,
		ClientOut:    clientOutW,
		ChildIn:      childInW,
		ChildOut:     childOutR,
		Orchestrator: orchestrator,
	})
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	go func() { _ = proxy.Run() }()

	responses := make(chan map[string]any, 64)
	go func() {
		scanner := bufio.NewScanner(clientOutR)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			var msg map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			responses <- msg
		}
	}()

	t.Cleanup(func() {
		_ = clientInW.Close()
		_ = childInR.Close()
		_ = childOutW.Close()
		_ = clientOutW.Close()
	})

	return &proxyHarness{
		clientIn:  clientInW,
		responses: responses,
		child:     child,
	}
}

func TestRequestIDSubstitutionIsTransparent(t *testing.T) {
	h := startProxy(t, "", func(req map[string]any) map[string]any {
		return map[string]any{"result": map[string]any{"ok": true}}
	})

	h.send(t, map[string]any{"jsonrpc": "2.0", "id": "client-abc", "method": "ping"})
	resp := h.receive(t)

	if resp["id"] != "client-abc" {
		t.Fatalf("expected original string id restored, got %v", resp["id"])
	}

	requests := h.child.recorded()
	if len(requests) != 1 {
		t.Fatalf("expected one child request, got %d", len(requests))
	}
	childID, ok := requests[0]["id"].(float64)
	if !ok {
		t.Fatalf("expected numeric substituted id, got %T", requests[0]["id"])
	}
	if int64(childID) < proxyIDBase {
		t.Fatalf("expected substituted id >= %d, got %v", proxyIDBase, childID)
	}
}

func TestNumericClientIDsSurviveRoundTrip(t *testing.T) {
	h := startProxy(t, "", func(req map[string]any) map[string]any {
		return map[string]any{"result": map[string]any{}}
	})

	h.send(t, map[string]any{"jsonrpc": "2.0", "id": 7, "method": "ping"})
	resp := h.receive(t)
	if got, ok := resp["id"].(float64); !ok || got != 7 {
		t.Fatalf("expected numeric id 7 restored, got %v", resp["id"])
	}
}

func TestNotificationsForwardWithoutID(t *testing.T) {
	h := startProxy(t, "", nil)

	h.send(t, map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})
	h.send(t, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	_ = h.receive(t)

	requests := h.child.recorded()
	if len(requests) != 2 {
		t.Fatalf("expected 2 child messages, got %d", len(requests))
	}
	if _, hasID := requests[0]["id"]; hasID {
		t.Fatalf("notification should not gain an id: %v", requests[0])
	}
}

func TestToolsListMergesSyntheticsAndHidesDial(t *testing.T) {
	h := startProxy(t, "", func(req map[string]any) map[string]any {
		return map[string]any{"result": map[string]any{
			"tools": []any{
				map[string]any{"name": "dial_calls", "description": "internal"},
				map[string]any{"name": "hangup_call", "description": "hang up"},
				map[string]any{"name": "call_and_speak", "description": "stale duplicate"},
			},
		}}
	})

	h.send(t, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	resp := h.receive(t)

	result, _ := resp["result"].(map[string]any)
	tools, _ := result["tools"].([]any)

	var names []string
	for _, raw := range tools {
		tool := raw.(map[string]any)
		names = append(names, tool["name"].(string))
	}

	if len(names) != 4 {
		t.Fatalf("expected 4 tools, got %v", names)
	}
	// Synthetic tools come first, in a fixed order.
	if names[0] != "call_and_speak" || names[1] != "call_and_converse" || names[2] != "check_call_result" {
		t.Fatalf("expected synthetic tools first, got %v", names)
	}
	if names[3] != "hangup_call" {
		t.Fatalf("expected subordinate tool appended, got %v", names)
	}
	for _, n := range names {
		if n == "dial_calls" {
			t.Fatal("hidden tool leaked into listing")
		}
	}
	// The duplicate subordinate descriptor must not shadow the synthetic one.
	first := tools[0].(map[string]any)
	if desc, _ := first["description"].(string); strings.Contains(desc, "stale duplicate") {
		t.Fatal("subordinate duplicate replaced the synthetic descriptor")
	}
}

func TestSyntheticCallValidationError(t *testing.T) {
	h := startProxy(t, "", nil)

	h.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      5,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      "call_and_speak",
			"arguments": map[string]any{"to": "+15551234567"},
		},
	})
	resp := h.receive(t)

	result, _ := resp["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("expected tool error result, got %v", resp)
	}
	text := firstContentText(result)
	if !strings.Contains(text, "connection_id") || !strings.Contains(text, "message") {
		t.Fatalf("expected missing parameters named, got %q", text)
	}
	if len(h.child.recorded()) != 0 {
		t.Fatal("validation failure must not reach the subordinate")
	}
}

func TestCallAndSpeakDialsWithSessionToken(t *testing.T) {
	h := startProxy(t, "", func(req map[string]any) map[string]any {
		return map[string]any{"result": map[string]any{
			"content": []any{map[string]any{
				"type": "text",
				"text": `{"data":{"call_control_id":"cc-42"}}`,
			}},
		}}
	})

	h.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      9,
		"method":  "tools/call",
		"params": map[string]any{
			"name": "call_and_speak",
			"arguments": map[string]any{
				"connection_id": "conn-1",
				"to":            "+15551234567",
				"message":       "Your order is ready.",
			},
		},
	})
	resp := h.receive(t)

	if got, ok := resp["id"].(float64); !ok || got != 9 {
		t.Fatalf("expected original id restored, got %v", resp["id"])
	}
	result, _ := resp["result"].(map[string]any)
	if result["isError"] == true {
		t.Fatalf("unexpected tool error: %v", firstContentText(result))
	}
	if !strings.Contains(firstContentText(result), "cc-42") {
		t.Fatalf("expected call_control_id in acknowledgement, got %q", firstContentText(result))
	}

	requests := h.child.recorded()
	if len(requests) != 1 {
		t.Fatalf("expected one dial request, got %d", len(requests))
	}
	params := requests[0]["params"].(map[string]any)
	if params["name"] != "dial_calls" {
		t.Fatalf("expected dial_calls, got %v", params["name"])
	}
	args := params["arguments"].(map[string]any)
	if args["answering_machine_detection"] != "detect_beep" {
		t.Fatalf("expected AMD enabled, got %v", args)
	}
	token, _ := args["client_state"].(string)
	if token == "" {
		t.Fatal("expected client_state session token on dial")
	}
}

func TestCallAndConverseRegistersConversation(t *testing.T) {
	type registration struct {
		CallControlID  string `json:"callControlId"`
		SystemPrompt   string `json:"systemPrompt"`
		InitialMessage string `json:"initialMessage"`
		MaxTurns       int    `json:"maxTurns"`
	}
	regCh := make(chan registration, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/start-conversation" {
			http.NotFound(w, r)
			return
		}
		var reg registration
		_ = json.NewDecoder(r.Body).Decode(&reg)
		regCh <- reg
		_, _ = w.Write([]byte(`{"registered":true}`))
	}))
	defer srv.Close()

	h := startProxy(t, srv.URL, func(req map[string]any) map[string]any {
		return map[string]any{"result": map[string]any{
			"content": []any{map[string]any{
				"type": "text",
				"text": `{"data":{"call_control_id":"cc-77"}}`,
			}},
		}}
	})

	h.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      3,
		"method":  "tools/call",
		"params": map[string]any{
			"name": "call_and_converse",
			"arguments": map[string]any{
				"connection_id":   "conn-1",
				"to":              "+15551234567",
				"system_prompt":   "You are a scheduling assistant.",
				"initial_message": "Hi, calling about your appointment.",
				"max_turns":       3,
			},
		},
	})
	resp := h.receive(t)

	result, _ := resp["result"].(map[string]any)
	if result["isError"] == true {
		t.Fatalf("unexpected tool error: %v", firstContentText(result))
	}

	select {
	case reg := <-regCh:
		if reg.CallControlID != "cc-77" || reg.MaxTurns != 3 {
			t.Fatalf("unexpected registration %+v", reg)
		}
		if reg.SystemPrompt == "" || reg.InitialMessage == "" {
			t.Fatalf("registration missing prompt fields: %+v", reg)
		}
	case <-time.After(time.Second):
		t.Fatal("conversation was never registered")
	}
}

func TestCallAndConverseFailsWithoutCallControlID(t *testing.T) {
	h := startProxy(t, "", func(req map[string]any) map[string]any {
		return map[string]any{"result": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": `{"data":{}}`}},
		}}
	})

	h.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      3,
		"method":  "tools/call",
		"params": map[string]any{
			"name": "call_and_converse",
			"arguments": map[string]any{
				"connection_id":   "conn-1",
				"to":              "+15551234567",
				"system_prompt":   "p",
				"initial_message": "m",
			},
		},
	})
	resp := h.receive(t)

	result, _ := resp["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("expected tool error without call_control_id, got %v", resp)
	}
}

func TestCheckCallResultAddsInterpretation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"found":true,"status":"completed","answered_by":"machine"}`))
	}))
	defer srv.Close()

	h := startProxy(t, srv.URL, nil)

	h.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      4,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      "check_call_result",
			"arguments": map[string]any{"call_control_id": "cc-1"},
		},
	})
	resp := h.receive(t)

	result, _ := resp["result"].(map[string]any)
	text := firstContentText(result)
	if !strings.Contains(text, "went to voicemail") {
		t.Fatalf("expected voicemail interpretation, got %q", text)
	}
}

func TestCheckCallResultMissSuggestsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"found":false,"message":"Call not found or not yet answered."}`))
	}))
	defer srv.Close()

	h := startProxy(t, srv.URL, nil)

	h.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      4,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      "check_call_result",
			"arguments": map[string]any{"call_control_id": "cc-unknown"},
		},
	})
	resp := h.receive(t)

	result, _ := resp["result"].(map[string]any)
	if result["isError"] == true {
		t.Fatal("a miss must not be a tool error")
	}
	if !strings.Contains(firstContentText(result), "Try again") {
		t.Fatalf("expected retry guidance, got %q", firstContentText(result))
	}
}

func TestConcurrentRequestsKeepDistinctIDs(t *testing.T) {
	h := startProxy(t, "", func(req map[string]any) map[string]any {
		return map[string]any{"result": map[string]any{}}
	})

	for i := 0; i < 10; i++ {
		h.send(t, map[string]any{"jsonrpc": "2.0", "id": i, "method": "ping"})
	}

	seen := make(map[float64]bool)
	for i := 0; i < 10; i++ {
		resp := h.receive(t)
		id, ok := resp["id"].(float64)
		if !ok {
			t.Fatalf("expected numeric id, got %v", resp["id"])
		}
		if seen[id] {
			t.Fatalf("duplicate id %v in responses", id)
		}
		seen[id] = true
	}
	for i := 0; i < 10; i++ {
		if !seen[float64(i)] {
			t.Fatalf("missing response for id %d", i)
		}
	}
}

func TestOversizedLineIsSkippedNotFatal(t *testing.T) {
	h := startProxy(t, "", func(req map[string]any) map[string]any {
		return map[string]any{"result": map[string]any{}}
	})

	// One line well past the cap, then a normal request. The relay must
	// drop the former and still serve the latter.
	junk := bytes.Repeat([]byte("x"), maxLineBytes+1024)
	junk = append(junk, '\n')
	if _, err := h.clientIn.Write(junk); err != nil {
		t.Fatalf("write oversized line: %v", err)
	}

	h.send(t, map[string]any{"jsonrpc": "2.0", "id": "after-junk", "method": "ping"})
	resp := h.receive(t)
	if resp["id"] != "after-junk" {
		t.Fatalf("expected response to the follow-up request, got %v", resp)
	}
	if len(h.child.recorded()) != 1 {
		t.Fatalf("expected only the valid request to reach the subordinate, got %d", len(h.child.recorded()))
	}
}
