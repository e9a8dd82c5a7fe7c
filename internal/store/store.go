// Package store defines the state store the admission controller runs on.
//
// Every implementation must make each method atomic per queue: the
// controller never reads a record, decides, and writes it back without a
// version check.
package store

import (
	"context"
	"time"

	"event-queue/internal/freeze"
	"event-queue/models"
)

// Outcome is the result of one atomic admission attempt. The numeric values
// are shared with the redis Lua scripts.
type Outcome int

const (
	OutcomeAdmitted  Outcome = 1
	OutcomeDuplicate Outcome = 2
	OutcomeFull      Outcome = 3
	OutcomeFrozen    Outcome = 4
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeFull:
		return "full"
	case OutcomeFrozen:
		return "frozen"
	}
	return "unknown"
}

type Admission struct {
	Outcome Outcome
	// Record is the queue record after the attempt.
	Record *models.QueueRecord
	// Participant is the admitted participant, or the existing one on a duplicate.
	Participant models.Participant
	// Froze is set when this attempt started the freeze.
	Froze bool
}

type Store interface {
	// Get returns the record and its membership ordered by join time, or
	// status.ErrQueueNotFound.
	Get(ctx context.Context, key models.QueueKey) (*models.QueueRecord, []models.Participant, error)

	// InsertIfAbsent stores rec unless its key exists. It returns the stored
	// record and whether this call created it.
	InsertIfAbsent(ctx context.Context, rec *models.QueueRecord) (*models.QueueRecord, bool, error)

	// CompareAndSwap replaces the mutable fields of the record when its
	// version still equals expectedVersion, bumping the version. A mismatch
	// returns status.ErrVersionConflict.
	CompareAndSwap(ctx context.Context, expectedVersion int64, rec *models.QueueRecord) error

	// Delete removes the record and its membership, reporting whether it existed.
	Delete(ctx context.Context, key models.QueueKey) (bool, error)

	// AppendIfUnderCapacity runs the admission decision of Admit atomically.
	AppendIfUnderCapacity(ctx context.Context, key models.QueueKey, p models.Participant, now time.Time) (*Admission, error)

	// Remove deletes the participant holding token.
	Remove(ctx context.Context, key models.QueueKey, token string) (*models.Participant, error)

	Keys(ctx context.Context) ([]models.QueueKey, error)
	Ping(ctx context.Context) error
	Close() error
}

// Admit is the admission decision every store applies inside its atomic
// section. It mutates rec and returns the participant to append, if any.
//
// Order matters: a lapsed freeze is cleared first, an active one rejects,
// then duplicates, then capacity. A full queue that is not frozen gets its
// freeze here, so exactly one caller starts each cooldown.
func Admit(rec *models.QueueRecord, members []models.Participant, p models.Participant, now time.Time) (adm Admission, appended *models.Participant) {
	mutated := freeze.Normalize(rec, now)
	defer func() {
		if mutated {
			rec.Version++
		}
		adm.Record = rec
	}()

	if freeze.IsFrozen(rec, now) {
		return Admission{Outcome: OutcomeFrozen}, nil
	}

	for _, m := range members {
		if m.UserID == p.UserID {
			return Admission{Outcome: OutcomeDuplicate, Participant: m}, nil
		}
	}

	if len(members) >= rec.CapacityLimit {
		fu := freeze.Until(rec, now)
		rec.FreezeUntil = &fu
		mutated = true
		return Admission{Outcome: OutcomeFull, Froze: true}, nil
	}

	mutated = true
	adm = Admission{Outcome: OutcomeAdmitted, Participant: p}
	if len(members)+1 == rec.CapacityLimit && rec.FreezeTrigger != models.FreezeOnOverflow {
		fu := freeze.Until(rec, now)
		rec.FreezeUntil = &fu
		adm.Froze = true
	}
	return adm, &p
}
