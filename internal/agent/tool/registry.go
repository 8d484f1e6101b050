package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/gg/gslice"
	"github.com/bytedance/sonic"
	einoTool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/tgifai/crond/internal/pkg/logs"
)

type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

func NewRegistry(tools ...Tool) *Registry {
	reg := &Registry{
		tools: make(map[string]Tool, 4),
	}
	for _, t := range tools {
		reg.tools[t.Name()] = t
	}
	return reg
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}

	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}

	r.tools[name] = tool
	logs.Info("[tool:registry] registered tool: %s", name)
	return nil
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}

	return tool, nil
}

// List returns the registered tools ordered by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	gslice.SortBy(tools, func(a, b Tool) bool { return a.Name() < b.Name() })

	return tools
}

func (r *Registry) ListToolInfos() []*schema.ToolInfo {
	tools := r.List()
	toolInfos := make([]*schema.ToolInfo, 0, len(tools))
	for _, tool := range tools {
		toolInfos = append(toolInfos, tool.ToolInfo())
	}

	return toolInfos
}

// InvokableTools adapts every registered tool for an eino agent.
func (r *Registry) InvokableTools() []einoTool.BaseTool {
	tools := r.List()
	out := make([]einoTool.BaseTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, AsInvokable(t))
	}
	return out
}

func (r *Registry) Execute(ctx context.Context, toolName string, args map[string]interface{}) (interface{}, error) {
	tool, err := r.Get(toolName)
	if err != nil {
		return nil, err
	}

	return tool.Execute(ctx, args)
}

func (r *Registry) ExecuteToolCall(ctx context.Context, toolCall *schema.ToolCall) (interface{}, error) {
	if toolCall == nil {
		return nil, fmt.Errorf("tool call cannot be nil")
	}

	toolName := toolCall.Function.Name
	if toolName == "" {
		return nil, fmt.Errorf("tool name is required")
	}

	args, err := parseArgs(toolCall.Function.Arguments)
	if err != nil {
		return nil, err
	}

	return r.Execute(ctx, toolName, args)
}

func parseArgs(raw string) (map[string]interface{}, error) {
	args := make(map[string]interface{})
	if raw == "" {
		return args, nil
	}
	if err := sonic.UnmarshalString(raw, &args); err != nil {
		return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
	}
	return args, nil
}

type Tool interface {
	Name() string

	Description() string

	ToolInfo() *schema.ToolInfo

	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// invokable wraps a Tool as an eino InvokableTool. Results are returned as
// JSON text.
type invokable struct {
	tool Tool
}

func AsInvokable(t Tool) einoTool.InvokableTool {
	return &invokable{tool: t}
}

func (i *invokable) Info(_ context.Context) (*schema.ToolInfo, error) {
	return i.tool.ToolInfo(), nil
}

func (i *invokable) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...einoTool.Option) (string, error) {
	args, err := parseArgs(argumentsInJSON)
	if err != nil {
		return "", err
	}
	result, err := i.tool.Execute(ctx, args)
	if err != nil {
		return "", err
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return sonic.MarshalString(result)
}
