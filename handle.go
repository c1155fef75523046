package fireproof

import (
	"fmt"

	"github.com/fireproof-storage/fireproof-go/cid"
	"github.com/fireproof-storage/fireproof-go/clock"
)

// ClockHandle is the JSON-serializable form of a head, suitable for a
// binding layer to persist outside the database and later hand back to
// SetClock.
type ClockHandle struct {
	Clock []string `json:"clock"`
}

// Handle returns the current head as a ClockHandle.
func (db *Database) Handle() ClockHandle {
	head := db.Head()
	h := ClockHandle{Clock: make([]string, len(head))}
	for i, c := range head {
		h.Clock[i] = c.String()
	}
	return h
}

// HeadFromHandle parses a previously serialized ClockHandle back into a
// Head, suitable for passing to SetClock.
func HeadFromHandle(h ClockHandle) (clock.Head, error) {
	head := make(clock.Head, len(h.Clock))
	for i, s := range h.Clock {
		c, err := cid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("fireproof: parse clock handle: %w", err)
		}
		head[i] = c
	}
	return head, nil
}
