// Package identity implements the dual-identifier model: every node and
// edge carries a database-local integer id and a globally unique change-id.
//
// Local ids are SQLite rowids and never leave the machine. Change-ids are
// 128-bit random UUIDs assigned once at creation, which makes them unique
// across the union of all databases that will ever be merged without any
// coordination between writers. Patches address rows purely by change-id.
package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// ChangeID is a globally unique, immutable identifier for a node or edge.
// It is assigned exactly once at creation and is never reused.
type ChangeID string

// New generates a fresh change-id.
//
// The value is a random (version 4) UUID, so independent callers on
// different machines produce distinct ids with no coordination.
func New() ChangeID {
	return ChangeID(uuid.NewString())
}

// Parse validates a change-id string received from an external source
// (a patch file, an environment variable, a CLI flag).
func Parse(s string) (ChangeID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid change-id %q: %w", s, err)
	}
	return ChangeID(id.String()), nil
}

// String returns the change-id in its canonical lowercase form.
func (c ChangeID) String() string {
	return string(c)
}

// IsZero reports whether the change-id is unset.
func (c ChangeID) IsZero() bool {
	return c == ""
}
