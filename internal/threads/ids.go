package threads

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidThreadID indicates a thread id that fails the format invariant.
// The request fails; no thread is created for a malformed id.
var ErrInvalidThreadID = errors.New("invalid thread id")

// ThreadIDPrefix prefixes every durable thread identifier.
const ThreadIDPrefix = "thr_"

// SessionIDPrefix prefixes per-request session identifiers.
const SessionIDPrefix = "sess_"

const (
	minThreadIDLen = 32
	maxThreadIDLen = 64
)

// NewThreadID generates a fresh thread id satisfying ValidateThreadID.
func NewThreadID() string {
	return ThreadIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSessionID generates a fresh session id.
func NewSessionID() string {
	return SessionIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateThreadID checks the thread id format: the "thr_" prefix, a total
// length between 32 and 64, and an alphanumeric body.
func ValidateThreadID(id string) error {
	if !strings.HasPrefix(id, ThreadIDPrefix) {
		return fmt.Errorf("%w: %q lacks prefix %q", ErrInvalidThreadID, id, ThreadIDPrefix)
	}
	if len(id) < minThreadIDLen || len(id) > maxThreadIDLen {
		return fmt.Errorf("%w: %q length %d outside [%d,%d]", ErrInvalidThreadID, id, len(id), minThreadIDLen, maxThreadIDLen)
	}
	for _, r := range id[len(ThreadIDPrefix):] {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("%w: %q contains non-alphanumeric character %q", ErrInvalidThreadID, id, r)
		}
	}
	return nil
}

// Trigger identifies what initiated a request.
type Trigger string

const (
	TriggerAPI     Trigger = "api"
	TriggerWebhook Trigger = "webhook"
	TriggerCron    Trigger = "cron"
	TriggerEmail   Trigger = "email"
	TriggerSMS     Trigger = "sms"
	TriggerAgent   Trigger = "agent"
	TriggerManual  Trigger = "manual"
)
