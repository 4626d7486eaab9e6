// Package toolset defines the port for tools the model may call mid-turn.
package toolset

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/yyup/aistream/internal/port/provider"
)

// ErrUnknownTool is returned when a call names a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Toolset lists and executes tools.
type Toolset interface {
	// Definitions returns the definitions of the named tools, in the given
	// order. Unknown names are skipped.
	Definitions(names []string) []provider.ToolDefinition

	// Call executes a tool. A returned error is a tool failure that is
	// reported to the model, never a reason to abort the turn.
	Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}
