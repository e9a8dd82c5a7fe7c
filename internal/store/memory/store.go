// Package memory is the in-process state store. Each queue has its own lock,
// so queues never contend with each other; the table lock only guards the
// map itself.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"event-queue/internal/status"
	"event-queue/internal/store"
	"event-queue/models"
)

var _ store.Store = (*Store)(nil)

type entry struct {
	mu      sync.Mutex
	rec     *models.QueueRecord
	members []models.Participant
	deleted bool
}

type Store struct {
	mu     sync.RWMutex
	queues map[string]*entry
}

func New() *Store {
	return &Store{queues: make(map[string]*entry)}
}

// lock returns the entry for key with its mutex held.
func (m *Store) lock(key models.QueueKey) (*entry, error) {
	m.mu.RLock()
	e, ok := m.queues[key.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, status.ErrQueueNotFound
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, status.ErrQueueNotFound
	}
	return e, nil
}

func (m *Store) Get(_ context.Context, key models.QueueKey) (*models.QueueRecord, []models.Participant, error) {
	e, err := m.lock(key)
	if err != nil {
		return nil, nil, err
	}
	defer e.mu.Unlock()

	return e.rec.Clone(), slices.Clone(e.members), nil
}

func (m *Store) InsertIfAbsent(_ context.Context, rec *models.QueueRecord) (*models.QueueRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rec.Key().String()
	if e, ok := m.queues[k]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.rec.Clone(), false, nil
	}

	e := &entry{rec: rec.Clone()}
	m.queues[k] = e
	return e.rec.Clone(), true, nil
}

func (m *Store) CompareAndSwap(_ context.Context, expectedVersion int64, rec *models.QueueRecord) error {
	e, err := m.lock(rec.Key())
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.rec.Version != expectedVersion {
		return status.ErrVersionConflict
	}

	next := e.rec.Clone()
	next.FreezeUntil = rec.Clone().FreezeUntil
	next.Version = expectedVersion + 1
	e.rec = next
	return nil
}

func (m *Store) Delete(_ context.Context, key models.QueueKey) (bool, error) {
	m.mu.Lock()
	e, ok := m.queues[key.String()]
	delete(m.queues, key.String())
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return true, nil
}

func (m *Store) AppendIfUnderCapacity(_ context.Context, key models.QueueKey, p models.Participant, now time.Time) (*store.Admission, error) {
	e, err := m.lock(key)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	rec := e.rec.Clone()
	adm, appended := store.Admit(rec, e.members, p, now)
	if appended != nil {
		e.members = append(e.members, *appended)
	}
	e.rec = rec

	adm.Record = rec.Clone()
	return &adm, nil
}

func (m *Store) Remove(_ context.Context, key models.QueueKey, token string) (*models.Participant, error) {
	e, err := m.lock(key)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	i := slices.IndexFunc(e.members, func(p models.Participant) bool { return p.Token == token })
	if i < 0 {
		return nil, status.ErrParticipantNotFound
	}

	removed := e.members[i]
	e.members = slices.Delete(e.members, i, i+1)
	e.rec.Version++
	return &removed, nil
}

func (m *Store) Keys(_ context.Context) ([]models.QueueKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]models.QueueKey, 0, len(m.queues))
	for k := range m.queues {
		key, err := models.ParseQueueKey(k)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }
