package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects only need valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case subject == SubjectTurnFinished, strings.HasPrefix(subject, SubjectTurnFinished+"."):
		var p TurnFinishedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TurnID == "" || p.ConversationID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("turn_id and conversation_id are required"))
		}
		if p.State == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("state is required"))
		}
	}
	return nil
}
