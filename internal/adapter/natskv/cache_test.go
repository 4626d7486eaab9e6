package natskv

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

// validKey is the JetStream KV key alphabet.
var validKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

func TestKVKey(t *testing.T) {
	for _, key := range []string{
		"history:conv-1",
		"history:3f2b8c1e-0d5a-4c1b-9e1f-1a2b3c4d5e6f",
		"history:会话 1",
		"auth:" + "ab12",
	} {
		assert.Regexp(t, validKey, kvKey(key), "key %q", key)
	}

	assert.NotEqual(t, kvKey("history:a"), kvKey("history:b"), "distinct keys")
}
