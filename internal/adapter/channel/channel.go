// Package channel holds the built-in chat platform adapters. Each adapter
// implements domain.ChannelPlugin plus the optional groups it supports and
// reads its settings from channels.<id> of the host config tree.
package channel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/domain"
)

// PairingApprovedMessage is sent to a sender once an operator approves them.
const PairingApprovedMessage = "relaybot access approved. Send a message to start chatting."

// ErrTokenMissing is returned by StartAccount when an account has no usable
// credentials.
var ErrTokenMissing = errors.New("channel credentials missing")

func pairingApproveHint(channelID string) string {
	return fmt.Sprintf("Approve via: add the sender id to channels.%s allowFrom, then resend.", channelID)
}

// withMedia appends a media URL to text. Platforms unfurl bare links.
func withMedia(text, mediaURL string) string {
	mediaURL = strings.TrimSpace(mediaURL)
	switch {
	case mediaURL == "":
		return text
	case strings.TrimSpace(text) == "":
		return mediaURL
	default:
		return text + "\n" + mediaURL
	}
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func failedDelivery(channelID string, err error) domain.DeliveryResult {
	return domain.DeliveryResult{Channel: channelID, Error: err.Error()}
}

// allowed reports whether senderID matches one of allowFrom after normalize.
// A "*" entry admits everyone.
func allowed(allowFrom []string, senderID string, normalize func(string) string) bool {
	sender := strings.ToLower(normalize(senderID))
	for _, entry := range allowFrom {
		entry = strings.TrimSpace(entry)
		if entry == "*" {
			return true
		}
		if entry != "" && strings.ToLower(normalize(entry)) == sender {
			return true
		}
	}
	return false
}

// admitDirect applies a DM policy to one sender.
func admitDirect(policy *domain.DMPolicy, senderID string) bool {
	if policy == nil {
		return true
	}
	switch policy.Policy {
	case "open":
		return true
	case "disabled":
		return false
	default:
		normalize := policy.NormalizeEntry
		if normalize == nil {
			normalize = strings.TrimSpace
		}
		return allowed(policy.AllowFrom, senderID, normalize)
	}
}

// --- Schema building blocks ---

func stringSchema() map[string]any { return map[string]any{"type": "string"} }

func boolSchema() map[string]any { return map[string]any{"type": "boolean"} }

func enumSchema(values ...string) map[string]any {
	items := make([]any, len(values))
	for i, v := range values {
		items[i] = v
	}
	return map[string]any{"type": "string", "enum": items}
}

func allowListSchema() map[string]any {
	return map[string]any{
		"type":  "array",
		"items": map[string]any{"type": []any{"string", "number"}},
	}
}

func objectSchema(props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props}
}

func dmSchema() map[string]any {
	return objectSchema(map[string]any{
		"enabled":   boolSchema(),
		"policy":    enumSchema("pairing", "allowlist", "open", "disabled"),
		"allowFrom": allowListSchema(),
	})
}

// multiAccountSchema wraps account-level properties into a channel section
// that also accepts an accounts map of the same shape.
func multiAccountSchema(accountProps map[string]any) map[string]any {
	props := make(map[string]any, len(accountProps)+1)
	for k, v := range accountProps {
		props[k] = v
	}
	props["accounts"] = map[string]any{
		"type":                 "object",
		"additionalProperties": objectSchema(accountProps),
	}
	return objectSchema(props)
}
