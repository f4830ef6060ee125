// Package queue parses push-subscription delivery envelopes into job
// references. Delivery is at-least-once and possibly out of order, so parsing
// is a pure function with no side effects; idempotency is enforced later by
// the job state store.
package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marcy-dev/dash-pipeline/pkg/models"
)

// Envelope is the push-delivery wrapper around a queue message.
type Envelope struct {
	Message      *Message `json:"message"`
	Subscription string   `json:"subscription,omitempty"`
}

// Message carries the base64-encoded notification payload.
type Message struct {
	Data      string `json:"data"`
	MessageID string `json:"messageId,omitempty"`
}

// notification is the decoded payload of an upload event.
type notification struct {
	Name string `json:"name"`
}

// ParseJobReference extracts the uploaded asset name from a raw delivery
// body. Any structural defect is reported as ErrMalformedMessage; such
// messages are permanently undeliverable and must not be retried.
func ParseJobReference(body []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: invalid envelope: %v", models.ErrMalformedMessage, err)
	}
	if env.Message == nil {
		return "", fmt.Errorf("%w: missing message", models.ErrMalformedMessage)
	}

	payload, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 payload: %v", models.ErrMalformedMessage, err)
	}

	var note notification
	if err := json.Unmarshal(payload, &note); err != nil {
		return "", fmt.Errorf("%w: invalid payload JSON: %v", models.ErrMalformedMessage, err)
	}
	if note.Name == "" {
		return "", fmt.Errorf("%w: payload missing name", models.ErrMalformedMessage)
	}
	// The name becomes a local path component and an object-key prefix; a
	// separator or dot-dot segment would escape the job-scoped directories.
	if strings.ContainsAny(note.Name, `/\`) || strings.Contains(note.Name, "..") {
		return "", fmt.Errorf("%w: name contains path elements: %q", models.ErrMalformedMessage, note.Name)
	}

	return note.Name, nil
}
