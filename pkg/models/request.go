package models

// RequestContext identifies the caller and target of one evaluated request.
// TenantID and Route are required; the rest are optional scoping keys.
type RequestContext struct {
	TenantID  string            `json:"tenantId"`
	Route     string            `json:"route"`
	AgentID   string            `json:"agentId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	APIKeyID  string            `json:"apiKeyId,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	ClientIP  string            `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
