package util

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// MessageIDPrefix is the prefix WhatsApp clients put on message IDs they
// generate.
const MessageIDPrefix = "3EB0"

// NewMessageID returns a fresh outgoing message ID. The ID is chosen before
// the send job is enqueued so every retry reuses it and the recipient can
// drop duplicates.
func NewMessageID() string {
	id := uuid.New()
	return MessageIDPrefix + strings.ToUpper(hex.EncodeToString(id[:8]))
}
