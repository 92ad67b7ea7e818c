package llm

import (
	"context"

	"apphost/internal/mcp"
)

// ModelType selects which configured model serves a request.
type ModelType int

const (
	// ModelDefault is the main conversational model.
	ModelDefault ModelType = iota
	// ModelFast is used for routing and parameter extraction.
	ModelFast
)

func (m ModelType) String() string {
	switch m {
	case ModelFast:
		return "fast"
	default:
		return "default"
	}
}

// Conversation roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one message of conversation history.
type Turn struct {
	Role string
	Text string
}

// Delegate generates freeform text from a prompt.
type Delegate interface {
	GenerateResponse(ctx context.Context, prompt string, model ModelType) (string, error)
	GenerateResponseWithHistory(ctx context.Context, prompt string, model ModelType, history []Turn) (string, error)
}

// StructuredGenerator is implemented by delegates that can constrain their
// output to a JSON schema. The returned text is a JSON document.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, prompt string, model ModelType, schema *mcp.JSONSchema) (string, error)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
