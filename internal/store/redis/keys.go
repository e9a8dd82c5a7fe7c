package redis

import "event-queue/models"

const (
	keyPrefix = "queue:"
	indexKey  = keyPrefix + "index"
)

// keyset names the redis keys that hold one queue. They share a {hash tag}
// so the scripts touching all of them stay in one cluster slot.
//
//	record  hash  queue fields, freeze_until in unix ms (0 when unfrozen)
//	users   hash  user id -> token
//	tokens  hash  token -> participant JSON
//	order   list  tokens in join order
type keyset struct {
	record string
	users  string
	tokens string
	order  string
}

func keysFor(k models.QueueKey) keyset {
	s := "{" + k.String() + "}"
	return keyset{
		record: keyPrefix + "record:" + s,
		users:  keyPrefix + "users:" + s,
		tokens: keyPrefix + "tokens:" + s,
		order:  keyPrefix + "order:" + s,
	}
}

func (ks keyset) all() []string {
	return []string{ks.record, ks.users, ks.tokens, ks.order}
}
