// Package event computes stable deduplication keys for webhook deliveries.
//
// GitHub redelivers webhooks, sometimes with identical payloads and a fresh
// delivery id. The hash is built from a per-event-type subset of fields that
// defines the event's semantic identity, so redeliveries collapse while a
// meaningful edit (a PR body change for instance) produces a new key.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// none is the canonical placeholder for a field absent from the payload.
// Absent fields never cause an error, only a stable "no value" marker.
const none = "-"

// Hash returns a hex digest identifying the logical event. If deliveryID is
// non-empty it is mixed into the key, which deliberately disables dedup for
// explicit redeliveries (each delivery hashes differently).
func Hash(eventType string, payload map[string]any, deliveryID string) string {
	parts := identityFields(eventType, payload)
	b := strings.Builder{}
	b.WriteString(eventType)
	for _, p := range parts {
		b.WriteByte('\n')
		b.WriteString(p)
	}
	if deliveryID != "" {
		b.WriteByte('\n')
		b.WriteString("delivery=" + deliveryID)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// identityFields extracts the stable subset that defines semantic identity
// for the event type. Mutable fields like a PR body are included on purpose:
// an edit is a new logical event and should re-trigger evaluation.
func identityFields(eventType string, payload map[string]any) []string {
	switch eventType {
	case "pull_request":
		return []string{
			"number=" + str(payload, "pull_request", "number"),
			"title=" + str(payload, "pull_request", "title"),
			"state=" + str(payload, "pull_request", "state"),
			"body=" + str(payload, "pull_request", "body"),
			"updated_at=" + str(payload, "pull_request", "updated_at"),
			"action=" + str(payload, "action"),
			"sender=" + str(payload, "sender", "login"),
		}
	case "push":
		return []string{
			"ref=" + str(payload, "ref"),
			"head=" + str(payload, "head_commit", "id"),
		}
	case "check_run":
		return []string{
			"id=" + str(payload, "check_run", "id"),
			"name=" + str(payload, "check_run", "name"),
			"status=" + str(payload, "check_run", "status"),
		}
	case "issue_comment":
		return []string{
			"issue=" + str(payload, "issue", "number"),
			"comment=" + str(payload, "comment", "id"),
			"body=" + str(payload, "comment", "body"),
			"created_at=" + str(payload, "comment", "created_at"),
		}
	case "deployment_protection_rule":
		return []string{
			"deployment=" + str(payload, "deployment", "id"),
			"environment=" + str(payload, "environment"),
			"action=" + str(payload, "action"),
		}
	default:
		// Unknown types fall back to a canonical serialization of the
		// whole payload so the digest stays deterministic.
		return []string{"payload=" + canonical(payload)}
	}
}

// str walks nested maps along path and renders the leaf as a string,
// returning the placeholder when any hop is missing or nil.
func str(payload map[string]any, path ...string) string {
	var cur any = payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return none
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return none
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; webhook ids are integral.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return canonical(v)
	}
}

// canonical renders a value as JSON with recursively sorted object keys.
func canonical(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b := strings.Builder{}
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.WriteString(canonical(t[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		b := strings.Builder{}
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonical(e))
		}
		b.WriteByte(']')
		return b.String()
	default:
		out, err := json.Marshal(t)
		if err != nil {
			return none
		}
		return string(out)
	}
}
