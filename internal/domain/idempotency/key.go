// Package idempotency derives deterministic submission keys from the caller
// identity and operation context. The same logical attempt always yields the
// same key, so a double-submit collapses onto one job row.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/peopleops/jobflow/internal/domain/model"
)

// ErrIdentityRequired is returned when the caller identity is incomplete.
// Derivation fails closed: no identity, no key, no submission.
var ErrIdentityRequired = errors.New("idempotency: actor, tenant and operation are required")

// KeyLength is the hex length of a derived key (SHA-256).
const KeyLength = 64

// Input is the canonical tuple a key is derived from. Any field change yields
// a different key; identical tuples always yield the same key.
type Input struct {
	ActorID   string
	Tenant    string
	Operation model.Operation
	// AttemptAt scopes the key in time. It is truncated to whole seconds so
	// sub-second jitter between retries of the same logical attempt does not
	// mint a fresh key.
	AttemptAt time.Time
	// Discriminator separates otherwise identical attempts, e.g. a punch
	// direction or a report kind. May be empty.
	Discriminator string
}

// Derive computes the key for the input tuple: a fixed-order canonical
// encoding hashed with SHA-256, returned as lowercase hex.
func Derive(in Input) (string, error) {
	actor := strings.TrimSpace(in.ActorID)
	tenant := strings.TrimSpace(in.Tenant)
	if actor == "" || tenant == "" || !in.Operation.Valid() {
		return "", ErrIdentityRequired
	}

	canonical := fmt.Sprintf("%s\x1f%s\x1f%s\x1f%d\x1f%s",
		tenant, actor, in.Operation, in.AttemptAt.Unix(), in.Discriminator)

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// Validate checks the shape of a caller-supplied key. Callers may mint their
// own keys instead of using Derive; any non-empty printable token up to the
// derived key length is accepted.
func Validate(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("idempotency: key must not be empty")
	}
	if len(key) > KeyLength {
		return fmt.Errorf("idempotency: key exceeds %d characters", KeyLength)
	}
	for _, r := range key {
		if r <= 0x20 || r > 0x7e {
			return errors.New("idempotency: key must be printable ASCII without spaces")
		}
	}
	return nil
}
