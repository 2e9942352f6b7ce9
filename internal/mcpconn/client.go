// Package mcpconn is the connection layer: a thin, transport-agnostic
// wrapper around a live MCP session to exactly one deployed server
// instance. It owns the wire-protocol handshake and the six operations
// the rest of the platform needs (initialize, list_tools, list_resources,
// call_tool, read_resource, close); everything above this package talks
// to a Client, never to mcp-go directly.
package mcpconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mcpforge/internal/template"
	"mcpforge/pkg/logging"
	"mcpforge/pkg/platformerrors"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const logSubsystem = "Connection"

// DefaultHandshakeTimeout bounds how long Initialize may take before the
// connection is considered unreachable.
const DefaultHandshakeTimeout = 15 * time.Second

// Client is a live connection to one deployed MCP server instance.
// Implementations are safe for concurrent use.
type Client interface {
	// Initialize performs the MCP handshake. It must be called once,
	// before any other method, and is idempotent on retry.
	Initialize(ctx context.Context) error

	// ListTools returns the server's live tool set (discovery cascade tier 2/3).
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// ListResources returns the server's live resource set.
	ListResources(ctx context.Context) ([]mcp.Resource, error)

	// CallTool invokes a tool by name and returns its structured result.
	// A tool-level failure (the server's own error result, not a transport
	// failure) is returned as a platformerrors.KindToolExecutionError; the
	// router never retries those.
	CallTool(ctx context.Context, name string, arguments map[string]interface{}) (*mcp.CallToolResult, error)

	// ReadResource fetches a resource's contents by URI.
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)

	// Close releases the underlying transport. Safe to call more than once.
	Close() error
}

// baseClient holds the state shared by every transport: the underlying
// mcp-go client, the instance/template identity used for error context and
// logging, and a guard against use-after-close and double-initialize.
type baseClient struct {
	mu          sync.RWMutex
	raw         *client.Client
	instanceID  string
	templateID  string
	initialized bool
	closed      bool
}

func newBaseClient(raw *client.Client, templateID, instanceID string) *baseClient {
	return &baseClient{raw: raw, templateID: templateID, instanceID: instanceID}
}

// Initialize, ListTools, ListResources, CallTool, ReadResource and Close
// implement Client directly on baseClient: stdio and HTTP instances differ
// only in how the underlying mcp-go client is constructed (see stdio.go,
// http.go), not in how the six operations behave once connected.
func (b *baseClient) Initialize(ctx context.Context) error { return b.initialize(ctx) }

func (b *baseClient) ListTools(ctx context.Context) ([]mcp.Tool, error) { return b.listTools(ctx) }

func (b *baseClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return b.listResources(ctx)
}

func (b *baseClient) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (*mcp.CallToolResult, error) {
	return b.callTool(ctx, name, arguments)
}

func (b *baseClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return b.readResource(ctx, uri)
}

func (b *baseClient) Close() error { return b.close() }

func (b *baseClient) initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.closedErr()
	}
	if b.initialized {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()

	if err := b.raw.Start(ctx); err != nil {
		return platformerrors.Wrap(platformerrors.KindConnectionClosed, err, "failed to start transport").
			WithContext("instance_id", b.instanceID)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "mcpforge", Version: "1.0.0"}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := b.raw.Initialize(ctx, req); err != nil {
		return platformerrors.Wrap(platformerrors.KindProtocolError, err, "initialize handshake failed").
			WithContext("instance_id", b.instanceID)
	}

	b.initialized = true
	logging.Debug(logSubsystem, "initialized connection to instance %s (template %s)", b.instanceID, b.templateID)
	return nil
}

func (b *baseClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	result, err := b.raw.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, b.translate(err, "list_tools failed")
	}
	return result.Tools, nil
}

func (b *baseClient) listResources(ctx context.Context) ([]mcp.Resource, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	result, err := b.raw.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, b.translate(err, "list_resources failed")
	}
	return result.Resources, nil
}

func (b *baseClient) callTool(ctx context.Context, name string, arguments map[string]interface{}) (*mcp.CallToolResult, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	result, err := b.raw.CallTool(ctx, req)
	if err != nil {
		return nil, b.translate(err, fmt.Sprintf("call_tool %s failed", name))
	}
	if result != nil && result.IsError {
		return result, platformerrors.New(platformerrors.KindToolExecutionError, fmt.Sprintf("tool %s reported an error result", name)).
			WithContext("instance_id", b.instanceID).
			WithContext("tool", name)
	}
	return result, nil
}

func (b *baseClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri

	result, err := b.raw.ReadResource(ctx, req)
	if err != nil {
		return nil, b.translate(err, fmt.Sprintf("read_resource %s failed", uri))
	}
	return result, nil
}

func (b *baseClient) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.initialized = false
	if err := b.raw.Close(); err != nil {
		return platformerrors.Wrap(platformerrors.KindConnectionClosed, err, "failed to close connection").
			WithContext("instance_id", b.instanceID)
	}
	return nil
}

func (b *baseClient) requireReady() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return b.closedErr()
	}
	if !b.initialized {
		return platformerrors.New(platformerrors.KindProtocolError, "connection used before initialize").
			WithContext("instance_id", b.instanceID)
	}
	return nil
}

func (b *baseClient) closedErr() error {
	return platformerrors.New(platformerrors.KindConnectionClosed, "connection is closed").
		WithContext("instance_id", b.instanceID)
}

// translate classifies a raw mcp-go transport/protocol error. context.DeadlineExceeded
// becomes Timeout; everything else is treated as a protocol-level failure, since
// mcp-go does not otherwise distinguish transport death from a malformed response.
func (b *baseClient) translate(err error, message string) error {
	kind := platformerrors.KindProtocolError
	if errors.Is(err, context.DeadlineExceeded) {
		kind = platformerrors.KindTimeout
	}
	return platformerrors.Wrap(kind, err, message).WithContext("instance_id", b.instanceID)
}

// Target describes the address Dial needs: the template identity plus the
// concrete instance coordinates for one transport.
type Target struct {
	TemplateID string
	InstanceID string
	Transport  template.TransportKind

	// Stdio fields.
	Command string
	Args    []string
	Env     map[string]string

	// HTTP fields.
	BaseURL string
	Headers map[string]string
}
