package protocol

// HTTP routes served by the gateway.
const (
	RouteHealth   = "/health"
	RouteAsk      = "/v1/ask"
	RouteSessions = "/v1/sessions"
	RouteUsage    = "/v1/usage"
	RouteWS       = "/ws"
)

// AskRequest is the POST /v1/ask body. Task is required; everything else is
// a hint.
type AskRequest struct {
	Task       string `json:"task"`
	Model      string `json:"model,omitempty"`
	ToolTag    string `json:"tool_tag,omitempty"`
	PreferFast bool   `json:"prefer_fast,omitempty"`
	NoCache    bool   `json:"no_cache,omitempty"`
}

// AskResponse is the POST /v1/ask reply.
type AskResponse struct {
	RunID        string  `json:"run_id"`
	Text         string  `json:"text"`
	Model        string  `json:"model"`
	Auth         string  `json:"auth,omitempty"`
	Cached       bool    `json:"cached"`
	Verdict      string  `json:"verdict,omitempty"`
	Note         string  `json:"note,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	ElapsedMS    int64   `json:"elapsed_ms"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status   string `json:"status"`
	Protocol int    `json:"protocol"`
	Version  string `json:"version,omitempty"`
}

// ErrorResponse is the JSON envelope for non-2xx replies.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
