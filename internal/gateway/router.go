package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"mcpforge/internal/mcpconn"
	"mcpforge/internal/template"
	"mcpforge/internal/toolcache"
	"mcpforge/pkg/logging"
	"mcpforge/pkg/platformerrors"

	"github.com/gin-gonic/gin"
)

// ToolDiscovery answers "what tools does this template expose" via the
// discovery cascade, without requiring a healthy routed instance.
// Satisfied by *toolcache.Manager.
type ToolDiscovery interface {
	Discover(ctx context.Context, templateID string, now time.Time) (toolcache.Result, error)
	Invalidate(templateID string)
}

const routerLogSubsystem = "GatewayRouter"

// AuthMode selects how the router authenticates incoming requests: bearer
// token, API key header, or none in open mode.
type AuthMode string

const (
	AuthBearer AuthMode = "bearer"
	AuthAPIKey AuthMode = "api_key"
	AuthOpen   AuthMode = "open"
)

// RetryPolicy bounds forwarding retries with exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
	JitterFrac float64
}

// DefaultRetryPolicy is 3 retries at 100ms base, doubling, 50% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Factor: 2, JitterFrac: 0.5}
}

// RouterConfig wires the Router's auth mode and credential store plus the
// request wall-clock timeout and stdio pool sizing.
type RouterConfig struct {
	AuthMode       AuthMode
	Credentials    map[string]string // token/key -> principal, checked by value
	RequestTimeout time.Duration     // per-request wall clock
	PoolSize       int
	PoolQueueDepth int
	Retry          RetryPolicy
}

// DefaultRouterConfig is open auth with a 60s request timeout.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AuthMode:       AuthOpen,
		RequestTimeout: 60 * time.Second,
		PoolSize:       4,
		PoolQueueDepth: 32,
		Retry:          DefaultRetryPolicy(),
	}
}

// Router is the gateway's HTTP surface: authentication middleware, the
// per-template MCP routes, and the gateway management routes, all over a
// gin engine. Credentials are checked against a static map, which is
// enough for a single-process gateway.
type Router struct {
	registry *Registry
	balancer *Balancer
	pools    *poolManager
	cfg      RouterConfig
	tools    ToolDiscovery
}

// SetToolDiscovery wires the discovery cascade in; without it the
// tools/discover route reports discovery as unconfigured.
func (rt *Router) SetToolDiscovery(t ToolDiscovery) {
	rt.tools = t
}

// NewRouter builds a Router over registry/balancer. It does not start
// listening; call Engine().Run or serve Engine() yourself.
func NewRouter(registry *Registry, balancer *Balancer, cfg RouterConfig) *Router {
	return &Router{
		registry: registry,
		balancer: balancer,
		pools:    newPoolManager(cfg.PoolSize, cfg.PoolQueueDepth),
		cfg:      cfg,
	}
}

// Engine builds the gin.Engine with every gateway route wired.
func (rt *Router) Engine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(rt.requestLogger())

	e.GET("/gateway/health", rt.handleGatewayHealth)
	e.GET("/gateway/registry", rt.auth(), rt.handleRegistrySnapshot)
	e.GET("/gateway/stats", rt.auth(), rt.handleStats)
	e.POST("/gateway/register", rt.auth(), rt.handleRegister)
	e.DELETE("/gateway/deregister/:template/:instance_id", rt.auth(), rt.handleDeregister)

	e.GET("/mcp/:template/tools/list", rt.auth(), rt.handleToolsList)
	e.GET("/mcp/:template/tools/discover", rt.auth(), rt.handleToolsDiscover)
	e.POST("/mcp/:template/tools/call", rt.auth(), rt.handleToolsCall)
	e.GET("/mcp/:template/resources/list", rt.auth(), rt.handleResourcesList)
	e.POST("/mcp/:template/resources/read", rt.auth(), rt.handleResourcesRead)
	e.GET("/mcp/:template/health", rt.handleTemplateHealth)

	return e
}

func (rt *Router) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug(routerLogSubsystem, "%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// auth rejects unauthenticated requests to non-health routes with 401.
func (rt *Router) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch rt.cfg.AuthMode {
		case AuthOpen:
			c.Next()
			return
		case AuthBearer:
			header := c.GetHeader("Authorization")
			const prefix = "Bearer "
			if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
				writeError(c, authFailedErr("missing or malformed bearer token"))
				c.Abort()
				return
			}
			token := header[len(prefix):]
			if principal, ok := rt.cfg.Credentials[token]; ok {
				c.Set("principal", principal)
				c.Next()
				return
			}
			writeError(c, authFailedErr("invalid bearer token"))
			c.Abort()
		case AuthAPIKey:
			key := c.GetHeader("X-API-Key")
			if key == "" {
				writeError(c, authFailedErr("missing X-API-Key header"))
				c.Abort()
				return
			}
			if principal, ok := rt.cfg.Credentials[key]; ok {
				c.Set("principal", principal)
				c.Next()
				return
			}
			writeError(c, authFailedErr("invalid API key"))
			c.Abort()
		default:
			writeError(c, authFailedErr("unknown auth mode"))
			c.Abort()
		}
	}
}

// writeError renders the {error:{type,message,details}} body, mapping a
// platformerrors.Error's Kind to its HTTP status.
func writeError(c *gin.Context, err error) {
	var perr *platformerrors.Error
	if errors.As(err, &perr) {
		c.JSON(perr.Kind.HTTPStatus(), gin.H{"error": gin.H{
			"type":    string(perr.Kind),
			"message": perr.Message,
			"details": perr.Context,
		}})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
		"type":    "InternalError",
		"message": err.Error(),
	}})
}

func (rt *Router) handleGatewayHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (rt *Router) handleRegistrySnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, rt.registry.Snapshot())
}

func (rt *Router) handleStats(c *gin.Context) {
	snapshot := rt.registry.Snapshot()
	stats := make(map[string]gin.H, len(snapshot))
	for templateID, routing := range snapshot {
		healthy := 0
		for _, inst := range routing.Instances {
			if inst.Status == StatusHealthy {
				healthy++
			}
		}
		stats[templateID] = gin.H{
			"total_instances":   len(routing.Instances),
			"healthy_instances": healthy,
			"strategy":          routing.Policy.Strategy,
		}
	}
	c.JSON(http.StatusOK, gin.H{"templates": stats})
}

type registerRequest struct {
	TemplateID string   `json:"template_id" binding:"required"`
	Instance   Instance `json:"instance" binding:"required"`
}

func (rt *Router) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, platformerrors.Wrap(platformerrors.KindInvalidConfiguration, err, "invalid register request body"))
		return
	}
	rt.registry.Register(req.TemplateID, req.Instance)
	logging.Audit(logging.AuditEvent{
		Action:  "gateway.register",
		Outcome: "success",
		Subject: logging.TruncateID(req.Instance.InstanceID),
		Target:  req.TemplateID,
	})
	c.JSON(http.StatusOK, gin.H{"registered": req.Instance.InstanceID})
}

func (rt *Router) handleDeregister(c *gin.Context) {
	templateID := c.Param("template")
	instanceID := c.Param("instance_id")
	if err := rt.registry.Deregister(templateID, instanceID); err != nil {
		writeError(c, err)
		return
	}
	rt.pools.Remove(instanceID)
	logging.Audit(logging.AuditEvent{
		Action:  "gateway.deregister",
		Outcome: "success",
		Subject: logging.TruncateID(instanceID),
		Target:  templateID,
	})
	c.JSON(http.StatusOK, gin.H{"deregistered": instanceID})
}

func (rt *Router) handleTemplateHealth(c *gin.Context) {
	templateID := c.Param("template")
	routing, err := rt.registry.Get(templateID)
	if err != nil {
		writeError(c, err)
		return
	}
	healthy := 0
	for _, inst := range routing.Instances {
		if inst.Status == StatusHealthy {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{"template_id": templateID, "healthy_instances": healthy, "total_instances": len(routing.Instances)})
}

func (rt *Router) handleToolsList(c *gin.Context) {
	rt.forward(c, false, func(ctx context.Context, client mcpconn.Client) (interface{}, error) {
		return client.ListTools(ctx)
	})
}

// handleToolsDiscover runs the discovery cascade rather than forwarding
// to a routed instance, so a template's tools can be enumerated even when
// nothing is deployed. ?refresh=true evicts the cache entry first.
func (rt *Router) handleToolsDiscover(c *gin.Context) {
	if rt.tools == nil {
		writeError(c, platformerrors.New(platformerrors.KindNotFound, "tool discovery is not configured"))
		return
	}
	templateID := c.Param("template")
	if c.Query("refresh") == "true" {
		rt.tools.Invalidate(templateID)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), rt.cfg.RequestTimeout)
	defer cancel()

	result, err := rt.tools.Discover(ctx, templateID, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"template_id": templateID,
		"tools":       result.Tools,
		"method":      result.Method,
		"source":      result.Source,
	})
}

func (rt *Router) handleResourcesList(c *gin.Context) {
	rt.forward(c, false, func(ctx context.Context, client mcpconn.Client) (interface{}, error) {
		return client.ListResources(ctx)
	})
}

type toolCallBody struct {
	Name      string                 `json:"name" binding:"required"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (rt *Router) handleToolsCall(c *gin.Context) {
	var body toolCallBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, platformerrors.Wrap(platformerrors.KindInvalidConfiguration, err, "invalid tools/call request body"))
		return
	}
	// tool calls are not idempotent: retried only on
	// connection-establishment errors, never after the body has been sent.
	rt.forward(c, true, func(ctx context.Context, client mcpconn.Client) (interface{}, error) {
		return client.CallTool(ctx, body.Name, body.Arguments)
	})
}

type resourceReadBody struct {
	URI string `json:"uri" binding:"required"`
}

func (rt *Router) handleResourcesRead(c *gin.Context) {
	var body resourceReadBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, platformerrors.Wrap(platformerrors.KindInvalidConfiguration, err, "invalid resources/read request body"))
		return
	}
	rt.forward(c, false, func(ctx context.Context, client mcpconn.Client) (interface{}, error) {
		return client.ReadResource(ctx, body.URI)
	})
}

// forward resolves templateID, selects an instance, dials (or borrows,
// for stdio) a connection, and invokes op, retrying on forwarding failure
// with the failed instance excluded. nonIdempotent callers are retried
// only when the failure occurred before any request was transmitted
// (mcpconn.Dial or Initialize failing), never after.
func (rt *Router) forward(c *gin.Context, nonIdempotent bool, op func(ctx context.Context, client mcpconn.Client) (interface{}, error)) {
	templateID := c.Param("template")

	ctx, cancel := context.WithTimeout(c.Request.Context(), rt.cfg.RequestTimeout)
	defer cancel()

	exclude := make(map[string]bool)
	var lastErr error
	attempts := rt.cfg.Retry.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			rt.backoff(attempt)
		}

		inst, err := rt.balancer.Select(templateID, exclude)
		if err != nil {
			var perr *platformerrors.Error
			if errors.As(err, &perr) && perr.Kind == platformerrors.KindTemplateNotFound {
				writeError(c, err)
				return
			}
			writeError(c, err)
			return
		}

		c.Header("X-Instance-Id", inst.InstanceID)
		c.Header("X-Strategy", string(rt.policyStrategy(templateID)))

		result, transmitted, err := rt.call(ctx, inst, op)
		if err == nil {
			c.JSON(http.StatusOK, result)
			return
		}

		lastErr = err
		exclude[inst.InstanceID] = true

		if !retryableForward(err) {
			break
		}
		if nonIdempotent && transmitted {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	rt.writeForwardError(c, ctx, lastErr)
}

func (rt *Router) policyStrategy(templateID string) Strategy {
	routing, err := rt.registry.Get(templateID)
	if err != nil {
		return ""
	}
	return routing.Policy.Strategy
}

// call dials (HTTP) or borrows (stdio) a connection to inst and invokes
// op, reporting whether a request was actually transmitted (false only
// when dial/initialize itself failed, the one case a non-idempotent call
// may be retried in).
func (rt *Router) call(ctx context.Context, inst Instance, op func(context.Context, mcpconn.Client) (interface{}, error)) (interface{}, bool, error) {
	target := mcpconn.Target{
		TemplateID: inst.TemplateID,
		InstanceID: inst.InstanceID,
		Transport:  inst.Transport,
		Command:    inst.Command,
		Args:       inst.Args,
		Env:        inst.Env,
		BaseURL:    inst.Endpoint,
	}

	if inst.Transport == template.TransportStdio {
		pool := rt.pools.poolFor(target)
		client, err := pool.Borrow(ctx)
		if err != nil {
			return nil, false, err
		}
		rt.balancer.BeginRequest(inst.TemplateID, inst.InstanceID)
		defer rt.balancer.EndRequest(inst.TemplateID, inst.InstanceID)

		result, err := op(ctx, client)
		pool.Return(client, connectionStillHealthy(err))
		return result, true, err
	}

	client, err := mcpconn.Dial(target)
	if err != nil {
		return nil, false, err
	}
	defer client.Close()

	if err := client.Initialize(ctx); err != nil {
		return nil, false, err
	}

	rt.balancer.BeginRequest(inst.TemplateID, inst.InstanceID)
	defer rt.balancer.EndRequest(inst.TemplateID, inst.InstanceID)

	result, err := op(ctx, client)
	return result, true, err
}

func (rt *Router) backoff(attempt int) {
	delay := float64(rt.cfg.Retry.BaseDelay) * pow(rt.cfg.Retry.Factor, attempt-1)
	jitter := delay * rt.cfg.Retry.JitterFrac * (rand.Float64()*2 - 1)
	time.Sleep(time.Duration(delay + jitter))
}

// retryableForward reports whether err is a transport-level failure worth
// selecting another instance for. A ToolExecutionError is the server's
// own structured result and must surface to the client unchanged; an
// unclassified error is assumed transient.
func retryableForward(err error) bool {
	var perr *platformerrors.Error
	if errors.As(err, &perr) {
		return perr.Kind.Retryable()
	}
	return true
}

// connectionStillHealthy reports whether a pooled stdio connection may be
// reused after op returned err. A structured ToolExecutionError is the
// server's own negative result, not a sign the transport is broken; every
// other error kind (and any unrecognized error) is treated as unsafe to reuse.
func connectionStillHealthy(err error) bool {
	if err == nil {
		return true
	}
	var perr *platformerrors.Error
	if errors.As(err, &perr) {
		return perr.Kind == platformerrors.KindToolExecutionError
	}
	return false
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func (rt *Router) writeForwardError(c *gin.Context, ctx context.Context, err error) {
	if ctx.Err() == context.DeadlineExceeded {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": gin.H{
			"type":    string(platformerrors.KindTimeout),
			"message": fmt.Sprintf("request timed out after %s", rt.cfg.RequestTimeout),
		}})
		return
	}
	if err == nil {
		err = platformerrors.New(platformerrors.KindBackendUnavailable, "forwarding failed with no further detail")
	}
	writeError(c, err)
}
