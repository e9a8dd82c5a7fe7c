// Package redis implements store.Store on redis. Admission, compare-and-swap
// and removal run as Lua scripts so several service instances can share one
// queue table.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"event-queue/internal/status"
	"event-queue/internal/store"
	"event-queue/models"
)

var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis: %s: %w", op, errors.Join(status.ErrStoreUnavailable, err))
}

func formatMs(t *time.Time) string {
	if t == nil {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func recordFields(rec *models.QueueRecord) []any {
	return []any{
		"event_id", rec.EventID,
		"org_id", rec.OrgID,
		"capacity", strconv.Itoa(rec.CapacityLimit),
		"description", rec.Description,
		"freeze_ms", strconv.FormatInt(rec.FreezeDurationMs, 10),
		"trigger", string(rec.FreezeTrigger),
		"created_at", formatMs(&rec.CreatedAt),
		"freeze_until", formatMs(rec.FreezeUntil),
		"version", strconv.FormatInt(rec.Version, 10),
	}
}

func decodeRecord(h map[string]string) (*models.QueueRecord, error) {
	var (
		ints = map[string]int64{}
		err  error
	)
	for _, f := range []string{"capacity", "freeze_ms", "created_at", "freeze_until", "version"} {
		if ints[f], err = strconv.ParseInt(h[f], 10, 64); err != nil {
			return nil, fmt.Errorf("redis: decode queue field %s: %w", f, err)
		}
	}

	rec := &models.QueueRecord{
		QueueConfig: models.QueueConfig{
			EventID:          h["event_id"],
			OrgID:            h["org_id"],
			CapacityLimit:    int(ints["capacity"]),
			Description:      h["description"],
			FreezeDurationMs: ints["freeze_ms"],
			FreezeTrigger:    models.FreezeTrigger(h["trigger"]),
		},
		CreatedAt: time.UnixMilli(ints["created_at"]).UTC(),
		Version:   ints["version"],
	}
	if fu := ints["freeze_until"]; fu > 0 {
		t := time.UnixMilli(fu).UTC()
		rec.FreezeUntil = &t
	}
	return rec, nil
}

// pairs turns a flat HGETALL script reply into a map.
func pairs(v any) (map[string]string, error) {
	flat, ok := v.([]any)
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("redis: unexpected hash reply %T", v)
	}
	h := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		val, _ := flat[i+1].(string)
		h[k] = val
	}
	return h, nil
}

func decodeParticipant(raw string) (models.Participant, error) {
	var p models.Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("redis: decode participant: %w", err)
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, key models.QueueKey) (*models.QueueRecord, []models.Participant, error) {
	ks := keysFor(key)

	var (
		recCmd    *goredis.MapStringStringCmd
		orderCmd  *goredis.StringSliceCmd
		tokensCmd *goredis.MapStringStringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		recCmd = pipe.HGetAll(ctx, ks.record)
		orderCmd = pipe.LRange(ctx, ks.order, 0, -1)
		tokensCmd = pipe.HGetAll(ctx, ks.tokens)
		return nil
	})
	if err != nil {
		return nil, nil, unavailable("get", err)
	}
	if len(recCmd.Val()) == 0 {
		return nil, nil, status.ErrQueueNotFound
	}

	rec, err := decodeRecord(recCmd.Val())
	if err != nil {
		return nil, nil, err
	}

	tokens := tokensCmd.Val()
	members := make([]models.Participant, 0, len(orderCmd.Val()))
	for _, tok := range orderCmd.Val() {
		raw, ok := tokens[tok]
		if !ok {
			continue
		}
		p, err := decodeParticipant(raw)
		if err != nil {
			return nil, nil, err
		}
		members = append(members, p)
	}
	return rec, members, nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, rec *models.QueueRecord) (*models.QueueRecord, bool, error) {
	ks := keysFor(rec.Key())

	res, err := s.client.Eval(ctx, insertScript, []string{ks.record}, recordFields(rec)...).Slice()
	if err != nil {
		return nil, false, unavailable("insert", err)
	}
	// The index lives in its own slot, so it is written outside the script.
	// Adding on both paths re-indexes a queue whose earlier SADD was lost.
	if err := s.client.SAdd(ctx, indexKey, rec.Key().String()).Err(); err != nil {
		return nil, false, unavailable("index queue", err)
	}
	if len(res) == 0 {
		return rec.Clone(), true, nil
	}

	h, err := pairs(res)
	if err != nil {
		return nil, false, err
	}
	stored, err := decodeRecord(h)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *models.QueueRecord) error {
	ks := keysFor(rec.Key())
	res, err := s.client.Eval(ctx, casScript, []string{ks.record},
		strconv.FormatInt(expectedVersion, 10), formatMs(rec.FreezeUntil)).Int64()
	if err != nil {
		return unavailable("compare and swap", err)
	}

	switch res {
	case -1:
		return status.ErrQueueNotFound
	case 0:
		return status.ErrVersionConflict
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key models.QueueKey) (bool, error) {
	ks := keysFor(key)

	var recDel *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		recDel = pipe.Del(ctx, ks.record)
		pipe.Del(ctx, ks.users, ks.tokens, ks.order)
		return nil
	})
	if err != nil {
		return false, unavailable("delete", err)
	}
	if err := s.client.SRem(ctx, indexKey, key.String()).Err(); err != nil {
		return false, unavailable("unindex queue", err)
	}
	return recDel.Val() > 0, nil
}

func (s *Store) AppendIfUnderCapacity(ctx context.Context, key models.QueueKey, p models.Participant, now time.Time) (*store.Admission, error) {
	ks := keysFor(key)
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("redis: encode participant: %w", err)
	}

	res, err := s.client.Eval(ctx, appendScript, ks.all(),
		p.UserID, p.Token, string(raw), strconv.FormatInt(now.UnixMilli(), 10)).Slice()
	if err != nil {
		return nil, unavailable("append", err)
	}
	if len(res) == 0 {
		return nil, errors.New("redis: append: empty reply")
	}

	outcome, _ := res[0].(int64)
	if outcome == 0 {
		return nil, status.ErrQueueNotFound
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("redis: append: unexpected reply of %d elements", len(res))
	}

	h, err := pairs(res[3])
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(h)
	if err != nil {
		return nil, err
	}

	froze, _ := res[1].(int64)
	adm := &store.Admission{
		Outcome: store.Outcome(outcome),
		Record:  rec,
		Froze:   froze == 1,
	}
	switch adm.Outcome {
	case store.OutcomeAdmitted:
		adm.Participant = p
	case store.OutcomeDuplicate:
		existing, _ := res[2].(string)
		if adm.Participant, err = decodeParticipant(existing); err != nil {
			return nil, err
		}
	}
	return adm, nil
}

func (s *Store) Remove(ctx context.Context, key models.QueueKey, token string) (*models.Participant, error) {
	ks := keysFor(key)
	res, err := s.client.Eval(ctx, removeScript, ks.all(), token).Slice()
	if err != nil {
		return nil, unavailable("remove", err)
	}
	if len(res) == 0 {
		return nil, errors.New("redis: remove: empty reply")
	}

	code, _ := res[0].(int64)
	switch code {
	case -1:
		return nil, status.ErrQueueNotFound
	case 0:
		return nil, status.ErrParticipantNotFound
	}

	if len(res) < 2 {
		return nil, errors.New("redis: remove: missing participant")
	}
	raw, _ := res[1].(string)
	p, err := decodeParticipant(raw)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) Keys(ctx context.Context) ([]models.QueueKey, error) {
	members, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, unavailable("keys", err)
	}

	keys := make([]models.QueueKey, 0, len(members))
	for _, m := range members {
		k, err := models.ParseQueueKey(m)
		if err != nil {
			s.logger.Warn("redis: skipping malformed index entry", "entry", m, "error", err)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close is a no-op. The client belongs to the caller that passed it to New.
func (s *Store) Close() error {
	return nil
}
