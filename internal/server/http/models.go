package http

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"agentd/internal/runtime"
	"agentd/internal/runtime/ports"
)

// defaultUserID is applied when a request names no user, matching clients
// that treat the service as single-tenant.
const defaultUserID = "default_user"

// processRequest is the wire form of one turn submission.
type processRequest struct {
	Input     []wireMessage `json:"input"`
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	Stream    *bool         `json:"stream"`
}

// wireMessage accepts both shorthand string content and the structured
// part-array form.
type wireMessage struct {
	Role    string      `json:"role"`
	Content wireContent `json:"content"`
}

type wireContent struct {
	parts []ports.ContentPart
}

// UnmarshalJSON accepts either a bare string or an array of typed parts.
func (c *wireContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.parts = []ports.ContentPart{{Type: "text", Text: text}}
		return nil
	}
	var parts []ports.ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts")
	}
	c.parts = parts
	return nil
}

// toRuntimeRequest canonicalizes the wire request: defaults are filled in,
// shorthand forms are normalized, and identifiers are validated.
func (req *processRequest) toRuntimeRequest() (runtime.Request, error) {
	out := runtime.Request{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		RunID:     uuid.NewString(),
		Mode:      runtime.DeliverStream,
	}
	if out.SessionID == "" {
		out.SessionID = uuid.NewString()
	}
	if out.UserID == "" {
		out.UserID = defaultUserID
	}
	if req.Stream != nil && !*req.Stream {
		out.Mode = runtime.DeliverBuffered
	}

	if err := validateID("session_id", out.SessionID); err != nil {
		return out, err
	}
	if err := validateID("user_id", out.UserID); err != nil {
		return out, err
	}
	if len(req.Input) == 0 {
		return out, runtime.InvalidRequestError("input must contain at least one message")
	}
	for i, msg := range req.Input {
		role := ports.Role(msg.Role)
		switch role {
		case ports.RoleUser, ports.RoleAssistant, ports.RoleSystem:
		default:
			return out, runtime.InvalidRequestError(fmt.Sprintf("input[%d]: unknown role %q", i, msg.Role))
		}
		if len(msg.Content.parts) == 0 {
			return out, runtime.InvalidRequestError(fmt.Sprintf("input[%d]: content is empty", i))
		}
		out.Input = append(out.Input, ports.Message{Role: role, Content: msg.Content.parts})
	}
	return out, nil
}

// healthResponse is the wire form of the health probe.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
