package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/goalchat/internal/observability"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// Tool is a capability the model can invoke mid-conversation.
//
// Implementing a Tool:
//
//	type Echo struct{}
//
//	func (Echo) Name() string               { return "echo" }
//	func (Echo) Description() string        { return "Echoes its input" }
//	func (Echo) Schema() json.RawMessage    { return json.RawMessage(`{"type":"object"}`) }
//	func (Echo) Execute(ctx context.Context, ec agent.ExecContext, args json.RawMessage) (json.RawMessage, error) {
//	    return args, nil
//	}
type Tool interface {
	// Name is the function name advertised to the model.
	Name() string

	// Description helps the model decide when to call the tool.
	Description() string

	// Schema is the JSON Schema of the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. A returned error becomes an error result; it
	// never aborts the turn.
	Execute(ctx context.Context, execCtx ExecContext, args json.RawMessage) (json.RawMessage, error)
}

// ExecContext identifies who a tool runs on behalf of.
type ExecContext struct {
	ConversationID string
	OwnerID        string
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of tool arguments JSON (1MB).
	MaxToolArgsSize = 1 << 20
)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry manages available tools with thread-safe registration and lookup.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool

	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// ToolRegistryOption configures a ToolRegistry.
type ToolRegistryOption func(*ToolRegistry)

// WithToolTimeout bounds each execution. Zero leaves executions unbounded.
func WithToolTimeout(timeout time.Duration) ToolRegistryOption {
	return func(r *ToolRegistry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithToolLogger sets the registry logger.
func WithToolLogger(logger *slog.Logger) ToolRegistryOption {
	return func(r *ToolRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithToolMetrics records executions.
func WithToolMetrics(metrics *observability.Metrics) ToolRegistryOption {
	return func(r *ToolRegistry) {
		r.metrics = metrics
	}
}

// WithToolTracer traces executions.
func WithToolTracer(tracer *observability.Tracer) ToolRegistryOption {
	return func(r *ToolRegistry) {
		r.tracer = tracer
	}
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry(opts ...ToolRegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		tools:  make(map[string]registeredTool),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "tools")
	return r
}

// Register adds a tool by name, replacing any tool with the same name. The
// tool's schema must compile.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return errors.New("tool is required")
	}
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}
	schema, err := compileToolSchema(name, tool.Schema())
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registeredTool{tool: tool, schema: schema}
	return nil
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	return entry.tool, ok
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the advertisement of every tool, sorted by name.
func (r *ToolRegistry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]ToolSchema, 0, len(r.tools))
	for name, entry := range r.tools {
		schemas = append(schemas, ToolSchema{
			Name:        name,
			Description: entry.tool.Description(),
			Parameters:  entry.tool.Schema(),
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Execute runs one tool call and always returns a result correlated to the
// call. Every failure is encoded in the result payload.
func (r *ToolRegistry) Execute(ctx context.Context, call models.ToolCall, execCtx ExecContext) models.ToolResult {
	start := time.Now()
	ctx, span := r.tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	payload, status := r.execute(ctx, call, execCtx)
	r.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	if status != "success" {
		r.logger.WarnContext(ctx, "tool call failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"status", status,
			"conversation_id", execCtx.ConversationID)
		r.tracer.RecordError(span, errors.New(status))
	}

	return models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Result:     payload,
	}
}

// ExecuteAll runs calls sequentially in request order and returns exactly
// one result per call.
func (r *ToolRegistry) ExecuteAll(ctx context.Context, calls []models.ToolCall, execCtx ExecContext) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, r.Execute(ctx, call, execCtx))
	}
	return results
}

func (r *ToolRegistry) execute(ctx context.Context, call models.ToolCall, execCtx ExecContext) (json.RawMessage, string) {
	r.mu.RLock()
	entry, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return encodeResult(notFoundResult{
			Error:          fmt.Sprintf("Tool '%s' not found", call.Name),
			AvailableTools: r.Names(),
		}), "not_found"
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if len(args) > MaxToolArgsSize {
		return errorResult(fmt.Sprintf("Invalid arguments: exceed maximum size of %d bytes", MaxToolArgsSize)), "invalid_input"
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return errorResult("Invalid JSON arguments: " + err.Error()), "invalid_json"
	}
	if entry.schema != nil {
		if err := entry.schema.Validate(decoded); err != nil {
			return errorResult("Invalid arguments: " + validationMessage(err)), "invalid_input"
		}
	}

	out, err := r.run(ctx, entry.tool, execCtx, args)
	if err != nil {
		return encodeResult(failedResult{
			Error: "Tool execution failed: " + err.Error(),
			Tool:  call.Name,
		}), "error"
	}
	if len(out) == 0 || !json.Valid(out) {
		return encodeResult(failedResult{
			Error: "Tool execution failed: tool returned invalid JSON",
			Tool:  call.Name,
		}), "error"
	}
	return out, "success"
}

// run executes the tool, converting panics to errors and enforcing the
// optional timeout.
func (r *ToolRegistry) run(ctx context.Context, tool Tool, execCtx ExecContext, args json.RawMessage) (json.RawMessage, error) {
	if r.timeout <= 0 {
		return safeExecute(ctx, tool, execCtx, args)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		out json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := safeExecute(ctx, tool, execCtx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out after %s", r.timeout)
	}
}

func safeExecute(ctx context.Context, tool Tool, execCtx ExecContext, args json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return tool.Execute(ctx, execCtx, args)
}

type notFoundResult struct {
	Error          string   `json:"error"`
	AvailableTools []string `json:"available_tools"`
}

type failedResult struct {
	Error string `json:"error"`
	Tool  string `json:"tool"`
}

func errorResult(message string) json.RawMessage {
	return encodeResult(struct {
		Error string `json:"error"`
	}{Error: message})
}

func encodeResult(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"error":"Tool execution failed: unencodable result"}`)
	}
	return data
}

var schemaCache sync.Map

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validationMessage flattens a jsonschema error to its leaf causes.
func validationMessage(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	if leaf.InstanceLocation == "" {
		return leaf.Message
	}
	return leaf.InstanceLocation + ": " + leaf.Message
}
