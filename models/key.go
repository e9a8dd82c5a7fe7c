package models

import (
	"fmt"
	"strconv"
	"strings"
)

// QueueKey identifies one queue by its (event, organization) pair.
type QueueKey struct {
	EventID string `json:"event_id"`
	OrgID   string `json:"org_id"`
}

func NewQueueKey(eventID, orgID string) QueueKey {
	return QueueKey{EventID: eventID, OrgID: orgID}
}

// String encodes the key as "<len(event)>:<event>/<org>". The length prefix
// keeps the encoding injective whatever characters the ids contain.
func (k QueueKey) String() string {
	return strconv.Itoa(len(k.EventID)) + ":" + k.EventID + "/" + k.OrgID
}

func ParseQueueKey(s string) (QueueKey, error) {
	head, rest, ok := strings.Cut(s, ":")
	if !ok {
		return QueueKey{}, fmt.Errorf("queue key %q: missing length prefix", s)
	}
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 || n >= len(rest) || rest[n] != '/' {
		return QueueKey{}, fmt.Errorf("queue key %q: malformed", s)
	}
	return QueueKey{EventID: rest[:n], OrgID: rest[n+1:]}, nil
}
