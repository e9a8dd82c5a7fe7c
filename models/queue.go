package models

import (
	"fmt"
	"time"
)

const (
	DefaultCapacityLimit    = 100
	DefaultFreezeDurationMs = 30000
)

// FreezeTrigger selects when a full queue starts its cooldown.
type FreezeTrigger string

const (
	// FreezeOnReached freezes the queue as soon as an admission fills it.
	FreezeOnReached FreezeTrigger = "reached"
	// FreezeOnOverflow waits for the first join attempt against a full queue.
	FreezeOnOverflow FreezeTrigger = "overflow"
)

func (t FreezeTrigger) Valid() bool {
	return t == FreezeOnReached || t == FreezeOnOverflow
}

type QueueConfig struct {
	EventID          string        `json:"event_id"`
	OrgID            string        `json:"org_id"`
	CapacityLimit    int           `json:"limit"`
	Description      string        `json:"description,omitempty"`
	FreezeDurationMs int64         `json:"freeze_duration_ms"`
	FreezeTrigger    FreezeTrigger `json:"freeze_trigger"`
}

func (c QueueConfig) Key() QueueKey {
	return NewQueueKey(c.EventID, c.OrgID)
}

func (c QueueConfig) FreezeDuration() time.Duration {
	return time.Duration(c.FreezeDurationMs) * time.Millisecond
}

// WithDefaults fills the optional fields left at their zero value.
func (c QueueConfig) WithDefaults() QueueConfig {
	if c.CapacityLimit == 0 {
		c.CapacityLimit = DefaultCapacityLimit
	}
	if c.FreezeDurationMs == 0 {
		c.FreezeDurationMs = DefaultFreezeDurationMs
	}
	if c.FreezeTrigger == "" {
		c.FreezeTrigger = FreezeOnReached
	}
	return c
}

func (c QueueConfig) Validate() error {
	switch {
	case c.EventID == "":
		return fmt.Errorf("event id must not be empty")
	case c.OrgID == "":
		return fmt.Errorf("org id must not be empty")
	case c.CapacityLimit <= 0:
		return fmt.Errorf("capacity limit must be positive, got %d", c.CapacityLimit)
	case c.FreezeDurationMs <= 0:
		return fmt.Errorf("freeze duration must be positive, got %dms", c.FreezeDurationMs)
	case !c.FreezeTrigger.Valid():
		return fmt.Errorf("unknown freeze trigger %q", c.FreezeTrigger)
	}
	return nil
}

type QueueRecord struct {
	QueueConfig
	CreatedAt   time.Time  `json:"created_at"`
	FreezeUntil *time.Time `json:"freeze_until,omitempty"`
	Version     int64      `json:"version"`
}

// Clone returns a deep copy so callers never share FreezeUntil with a store.
func (r *QueueRecord) Clone() *QueueRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.FreezeUntil != nil {
		fu := *r.FreezeUntil
		cp.FreezeUntil = &fu
	}
	return &cp
}

type Participant struct {
	UserID   string    `json:"user_id"`
	Token    string    `json:"token"`
	JoinedAt time.Time `json:"joined_at"`
}

type JoinStatus string

const (
	JoinStatusJoined  JoinStatus = "joined"
	JoinStatusAlready JoinStatus = "already"
	JoinStatusWait    JoinStatus = "wait"
)

type JoinResult struct {
	Status   JoinStatus `json:"status"`
	Token    string     `json:"token,omitempty"`
	UserID   string     `json:"user_id,omitempty"`
	WaitTime int        `json:"wait_time,omitempty"` // seconds
}

type QueueStatus struct {
	Record   *QueueRecord  `json:"queue"`
	Members  []Participant `json:"users"`
	WaitTime int           `json:"wait_time"`
}
