// Package vectorrpc speaks a minimal JSON-RPC 2.0 stdio protocol to the
// vector memory child process: an `initialize` handshake followed by a
// single `tools/call`, with a wall-clock timeout, a best-effort kill,
// and a heuristic for a known "finished but didn't flush the reply"
// failure mode.
package vectorrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default timeouts.
const (
	DefaultIngestTimeout = 60 * time.Second
	DefaultSearchTimeout = 5 * time.Second
)

// Credential env vars forwarded to the child.
var CredentialEnvVars = []string{"DATABASE_URL", "REDIS_URL", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"}

// successMarkers are stderr substrings indicating the remote actually
// finished its work even though the RPC reply never arrived in time.
var successMarkers = []string{"Total ingestion time:", "All chunks were duplicates"}

// Client spawns the vector memory child process command on each call.
type Client struct {
	// Command and Args name the child process, e.g. "node"
	// "/path/to/vector-bridge/dist/index.js".
	Command string
	Args    []string
	// ClientName/ClientVersion identify this client in `initialize`.
	ClientName    string
	ClientVersion string
}

// NewClient builds a Client with the default client identity.
func NewClient(command string, args ...string) Client {
	return Client{Command: command, Args: args, ClientName: "sessionpipe", ClientVersion: "1.0.0"}
}

// DefaultBridgePath is where the vector memory child script lives absent
// an override, matching the layout the child is installed at by its own
// setup tooling.
func DefaultBridgePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "mcp-servers", "vector-bridge", "dist", "index.js")
}

// Enabled reports whether the vector memory service should be consulted
// at all: explicitly enabled and at least one credential present.
func Enabled() bool {
	return os.Getenv("ENABLE_VECTOR_RAG") == "true" && HasCredentials()
}

// NewDefaultClient builds the Client every cmd/* entry point uses to
// reach the vector memory child, honoring a VECTOR_BRIDGE_PATH override
// over DefaultBridgePath.
func NewDefaultClient() Client {
	path := os.Getenv("VECTOR_BRIDGE_PATH")
	if path == "" {
		path = DefaultBridgePath()
	}
	return NewClient("node", path)
}

// Result is the outcome of one tool call.
type Result struct {
	Raw      json.RawMessage
	Error    string
	Skipped  string
	Note     string
	Chunks   int
	TimedOut bool
}

// NotConfiguredResult is returned by callers without spawning a child
// when vector RAG is disabled or credentials are absent.
func NotConfiguredResult() Result {
	return Result{Skipped: "Vector RAG not configured yet (setup in progress)"}
}

// HasCredentials reports whether any of CredentialEnvVars is set,
// approximating "the vector memory service is configured" without
// attempting a connection.
func HasCredentials() bool {
	for _, name := range CredentialEnvVars {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolContent struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Ingest calls memory_ingest with the given timeout.
func (c Client) Ingest(ctx context.Context, timeout time.Duration, projectRoot, path, text string, meta map[string]string) Result {
	args := map[string]any{"project_root": projectRoot, "path": path, "text": text, "meta": meta}
	return c.call(ctx, timeout, "memory_ingest", args)
}

// Search calls memory_search with the given timeout.
func (c Client) Search(ctx context.Context, timeout time.Duration, projectRoot, query string, k int, global bool) Result {
	args := map[string]any{"project_root": projectRoot, "query": query, "k": k, "global": global}
	return c.call(ctx, timeout, "memory_search", args)
}

// call performs the full initialize + tools/call handshake over one
// child process invocation, applying the timeout/kill/success-despite-
// timeout logic.
func (c Client) call(ctx context.Context, timeout time.Duration, toolName string, args map[string]any) Result {
	if timeout <= 0 {
		timeout = DefaultIngestTimeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, c.Command, c.Args...)
	cmd.Env = os.Environ()

	var stdin bytes.Buffer
	writeRequest(&stdin, 1, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": c.ClientName, "version": c.ClientVersion},
	})
	writeRequest(&stdin, 2, "tools/call", map[string]any{"name": toolName, "arguments": args})
	cmd.Stdin = &stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if cctx.Err() == context.DeadlineExceeded {
		if note, ok := detectSuccessDespiteTimeout(stderr.String()); ok {
			return Result{TimedOut: true, Chunks: 0, Note: note}
		}
		return Result{Error: fmt.Sprintf("%s timed out after %s", toolName, timeout), TimedOut: true}
	}
	if err != nil {
		return Result{Error: fmt.Sprintf("%s failed: %v: %s", toolName, err, strings.TrimSpace(stderr.String()))}
	}

	resp, ok := findResponse(stdout.Bytes(), 2)
	if !ok {
		return Result{Error: fmt.Sprintf("%s: no matching response id in output", toolName)}
	}
	if resp.Error != nil {
		return Result{Error: resp.Error.Message}
	}

	var tc toolContent
	if err := json.Unmarshal(resp.Result, &tc); err != nil || len(tc.Content) == 0 {
		return Result{Raw: resp.Result}
	}
	text := tc.Content[0].Text
	var marker struct {
		Skipped string `json:"skipped"`
	}
	_ = json.Unmarshal([]byte(text), &marker)
	return Result{Raw: json.RawMessage(text), Skipped: marker.Skipped}
}

func writeRequest(w *bytes.Buffer, id int, method string, params any) {
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, _ := json.Marshal(req)
	w.Write(data)
	w.WriteByte('\n')
}

// findResponse parses line-delimited JSON looking for the response whose
// id matches wantID.
func findResponse(output []byte, wantID int) (rpcResponse, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.ID == wantID {
			return resp, true
		}
	}
	return rpcResponse{}, false
}

func detectSuccessDespiteTimeout(stderr string) (string, bool) {
	for _, marker := range successMarkers {
		if strings.Contains(stderr, marker) {
			return "remote completed but the RPC reply did not flush before the timeout", true
		}
	}
	return "", false
}

// NewClientID returns a fresh request-correlation id for callers that
// want to tag outbound log lines distinctly per RPC attempt.
func NewClientID() string {
	return uuid.NewString()
}
