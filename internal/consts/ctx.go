package consts

// CtxKey is the type used for context value keys across the daemon.
type CtxKey string

const (
	CtxKeyAgentID CtxKey = "agent_id"
	CtxKeyCaller  CtxKey = "caller"
)

// Caller values identify which surface issued a cron operation.
const (
	CallerHTTP = "http"
	CallerTool = "tool"
	CallerMCP  = "mcp"
	CallerCLI  = "cli"
)
