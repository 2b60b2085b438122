package mcpproxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/voicereach-ai/voicereach/pkg/logging"
)

// proxyIDBase keeps proxy-issued request identifiers out of the range a
// client is likely to use for its own counter.
const proxyIDBase = 1000

const maxLineBytes = 4 << 20

// pendingRequest maps a proxy-issued request identifier back to the client
// request it replaced, or to a local callback when the proxy itself
// originated the request.
type pendingRequest struct {
	originalID json.RawMessage
	callback   func(map[string]any)
}

// Proxy relays line-delimited JSON-RPC messages between a client and a
// subordinate call-control tool provider. It substitutes request
// identifiers so the client's counter can never collide with requests the
// proxy issues on its own behalf, injects synthetic tool definitions into
// capability listings, and dispatches synthetic tool calls locally.
type Proxy struct {
	clientIn io.Reader
	childOut io.Reader

	clientMu  sync.Mutex
	clientOut io.Writer
	childMu   sync.Mutex
	childIn   io.Writer

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest
	nextID    atomic.Int64

	orchestrator *OrchestratorClient
	logger       *logging.Logger
}

// ProxyConfig configures the proxy. ClientIn/ClientOut are the client-side
// streams (stdin/stdout in production); ChildIn/ChildOut attach to the
// subordinate process's stdin/stdout.
type ProxyConfig struct {
	ClientIn     io.Reader
	ClientOut    io.Writer
	ChildIn      io.Writer
	ChildOut     io.Reader
	Orchestrator *OrchestratorClient
	Logger       *logging.Logger
}

// NewProxy creates a proxy.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if cfg.ClientIn == nil || cfg.ClientOut == nil || cfg.ChildIn == nil || cfg.ChildOut == nil {
		return nil, fmt.Errorf("mcpproxy: all four streams are required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("mcpproxy: orchestrator client required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	p := &Proxy{
		clientIn:     cfg.ClientIn,
		clientOut:    cfg.ClientOut,
		childIn:      cfg.ChildIn,
		childOut:     cfg.ChildOut,
		pending:      make(map[int64]*pendingRequest),
		orchestrator: cfg.Orchestrator,
		logger:       cfg.Logger,
	}
	p.nextID.Store(proxyIDBase - 1)
	return p, nil
}

// Run pumps both streams until the client stream closes. A malformed or
// oversized line on either stream is logged and skipped, never fatal.
func (p *Proxy) Run() error {
	go p.readChild()
	return p.pump(p.clientIn, "client", p.handleClientLine)
}

func (p *Proxy) readChild() {
	if err := p.pump(p.childOut, "child", p.handleChildLine); err != nil {
		p.logger.Error("mcpproxy: child stream read failed", "error", err)
	}
}

// pump delivers newline-delimited messages to handle. Lines longer than
// maxLineBytes are discarded up to their terminating newline so a single
// oversized message never takes down the relay or strands pending
// requests.
func (p *Proxy) pump(r io.Reader, side string, handle func([]byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	skipping := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !skipping {
			buf = append(buf, chunk...)
			if len(buf) > maxLineBytes {
				p.logger.Error("mcpproxy: oversized line skipped",
					"side", side, "bytes_so_far", len(buf))
				buf = nil
				skipping = true
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("mcpproxy: %s stream: %w", side, err)
		}
		if !skipping {
			if line := bytes.TrimRight(buf, "\r\n"); len(line) > 0 {
				handle(line)
			}
		}
		buf = nil
		skipping = false
		if err == io.EOF {
			return nil
		}
	}
}

func (p *Proxy) handleClientLine(line []byte) {
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		p.logger.Error("mcpproxy: malformed client message", "error", err)
		return
	}

	method, _ := msg["method"].(string)
	switch method {
	case "tools/list":
		p.handleToolsList(msg)
	case "tools/call":
		if name := toolCallName(msg); isSyntheticTool(name) {
			// Local handlers call back into the subordinate and the
			// orchestration server; run each off the read loop.
			go p.handleSyntheticCall(msg, name)
			return
		}
		p.proxyRequest(msg, nil)
	default:
		if _, hasID := msg["id"]; hasID {
			p.proxyRequest(msg, nil)
			return
		}
		// Notifications pass through untouched.
		p.sendToChild(msg)
	}
}

func (p *Proxy) handleChildLine(line []byte) {
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		p.logger.Error("mcpproxy: malformed child message", "error", err)
		return
	}

	if id, ok := numericID(msg["id"]); ok {
		p.pendingMu.Lock()
		pr, found := p.pending[id]
		if found {
			delete(p.pending, id)
		}
		p.pendingMu.Unlock()
		if found {
			if pr.callback != nil {
				pr.callback(msg)
				return
			}
			msg["id"] = pr.originalID
			p.sendToClient(msg)
			return
		}
	}
	// Notifications and unmatched responses forward as-is.
	p.sendToClient(msg)
}

// proxyRequest substitutes a fresh identifier, records the mapping, and
// forwards the request to the subordinate. With a callback the response is
// consumed locally instead of being forwarded.
func (p *Proxy) proxyRequest(msg map[string]any, callback func(map[string]any)) {
	id := p.nextID.Add(1)
	pr := &pendingRequest{callback: callback}
	if raw, ok := msg["id"]; ok {
		encoded, err := json.Marshal(raw)
		if err == nil {
			pr.originalID = encoded
		}
	}
	p.pendingMu.Lock()
	p.pending[id] = pr
	p.pendingMu.Unlock()

	msg["id"] = id
	p.sendToChild(msg)
}

// callSubordinateTool invokes a subordinate tool on the proxy's own behalf
// and blocks until the response arrives.
func (p *Proxy) callSubordinateTool(name string, args map[string]any) map[string]any {
	respCh := make(chan map[string]any, 1)
	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	}
	p.proxyRequest(req, func(resp map[string]any) {
		respCh <- resp
	})
	return <-respCh
}

func (p *Proxy) handleToolsList(msg map[string]any) {
	originalID := captureID(msg)
	p.proxyRequest(msg, func(resp map[string]any) {
		result, _ := resp["result"].(map[string]any)
		childTools, _ := result["tools"].([]any)
		if result == nil {
			// Forward errors with the client's identifier restored.
			resp["id"] = originalID
			p.sendToClient(resp)
			return
		}

		merged := make([]any, 0, len(childTools)+3)
		seen := make(map[string]struct{})
		for _, t := range syntheticTools() {
			merged = append(merged, t)
			seen[t.Name] = struct{}{}
		}
		for _, raw := range childTools {
			tool, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name, _ := tool["name"].(string)
			if _, hidden := hiddenTools[name]; hidden {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			merged = append(merged, tool)
		}

		p.sendToClient(map[string]any{
			"jsonrpc": "2.0",
			"id":      originalID,
			"result":  map[string]any{"tools": merged},
		})
	})
}

func (p *Proxy) sendToClient(msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("mcpproxy: marshal client message", "error", err)
		return
	}
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	if _, err := p.clientOut.Write(append(data, '\n')); err != nil {
		p.logger.Error("mcpproxy: write to client failed", "error", err)
	}
}

func (p *Proxy) sendToChild(msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("mcpproxy: marshal child message", "error", err)
		return
	}
	p.childMu.Lock()
	defer p.childMu.Unlock()
	if _, err := p.childIn.Write(append(data, '\n')); err != nil {
		p.logger.Error("mcpproxy: write to child failed", "error", err)
	}
}

// captureID snapshots a message's identifier in raw form before the proxy
// overwrites it.
func captureID(msg map[string]any) json.RawMessage {
	raw, ok := msg["id"]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return encoded
}

func numericID(v any) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func toolCallName(msg map[string]any) string {
	params, _ := msg["params"].(map[string]any)
	name, _ := params["name"].(string)
	return name
}
