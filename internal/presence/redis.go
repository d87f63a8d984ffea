package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/notify"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	recordKeyPrefix = "presence:"
	onlineSetKey    = "presence:online"
	searchQueueKey  = "search_queue"
	eventsChannel   = "presence:events"

	// Скільки разів повторюємо транзакцію, якщо WATCH-ключ змінився.
	maxTxAttempts = 3
)

// RedisStore keeps presence records in Redis hashes and commits multi-record
// changes with WATCH/MULTI/EXEC. Change notifications travel through a Redis
// Pub/Sub channel so every subscriber sees commits in publish order.
type RedisStore struct {
	opts  options
	Redis *redis.Client

	watchers notify.Keyed[string, models.PresenceRecord]
	counts   notify.Topic[int]
}

// presenceEvent is the Pub/Sub payload for one committed change.
type presenceEvent struct {
	Identity      string                 `json:"identity"`
	Record        *models.PresenceRecord `json:"record,omitempty"`
	OnlineChanged bool                   `json:"online_changed,omitempty"`
}

// NewRedisStore wraps an existing client. Call Start before relying on Watch.
func NewRedisStore(rdb *redis.Client, opts ...Option) *RedisStore {
	return &RedisStore{opts: buildOptions(opts), Redis: rdb}
}

var _ Store = (*RedisStore)(nil)

// Start subscribes to the change feed and dispatches events until ctx is done.
// It returns once the subscription is confirmed by the server.
func (s *RedisStore) Start(ctx context.Context) error {
	pubsub := s.Redis.Subscribe(ctx, eventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", eventsChannel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.dispatch(ctx, msg.Payload)
			}
		}
	}()
	return nil
}

func (s *RedisStore) dispatch(ctx context.Context, payload string) {
	var ev presenceEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.opts.logger.Warn("bad presence event", zap.Error(err))
		return
	}
	if ev.Record != nil {
		s.watchers.Publish(ev.Identity, *ev.Record)
	} else {
		s.watchers.Publish(ev.Identity, models.PresenceRecord{Identity: ev.Identity})
	}
	if ev.OnlineChanged {
		n, err := s.OnlineCount(ctx)
		if err != nil {
			s.opts.logger.Warn("online count after event", zap.Error(err))
			return
		}
		s.counts.Publish(n)
	}
}

func (s *RedisStore) emit(ctx context.Context, events ...presenceEvent) {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := s.Redis.Publish(ctx, eventsChannel, data).Err(); err != nil {
			s.opts.logger.Warn("publish presence event", zap.String("identity", ev.Identity), zap.Error(err))
		}
	}
}

func recordKey(identity string) string {
	return recordKeyPrefix + identity
}

func encodeRecord(rec *models.PresenceRecord) map[string]interface{} {
	return map[string]interface{}{
		"identity":   rec.Identity,
		"status":     string(rec.Status),
		"last_seen":  rec.LastSeen.UnixMilli(),
		"partner":    rec.Partner,
		"session_id": rec.SessionID,
		"role":       string(rec.Role),
		"college":    rec.Preferences.CollegeTag,
		"gender":     string(rec.Preferences.GenderPref),
		"mode":       string(rec.Preferences.Mode),
	}
}

func decodeRecord(fields map[string]string) *models.PresenceRecord {
	if len(fields) == 0 {
		return nil
	}
	ms, _ := strconv.ParseInt(fields["last_seen"], 10, 64)
	return &models.PresenceRecord{
		Identity:  fields["identity"],
		Status:    models.Status(fields["status"]),
		LastSeen:  time.UnixMilli(ms),
		Partner:   fields["partner"],
		SessionID: fields["session_id"],
		Role:      models.Role(fields["role"]),
		Preferences: models.Preferences{
			CollegeTag: fields["college"],
			GenderPref: models.Gender(fields["gender"]),
			Mode:       models.SessionMode(fields["mode"]),
		}.Normalize(),
	}
}

// watchTx runs fn under WATCH on keys, retrying when a watched key changes.
func (s *RedisStore) watchTx(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.Redis.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) RegisterOnline(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("register: %w", ErrNotRegistered)
	}
	key := recordKey(identity)
	now := s.opts.clock.Now()
	var created *models.PresenceRecord

	err := s.watchTx(ctx, func(tx *redis.Tx) error {
		created = nil
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if exists > 0 {
				pipe.HSet(ctx, key, "last_seen", now.UnixMilli())
				return nil
			}
			created = &models.PresenceRecord{
				Identity:    identity,
				Status:      models.StatusOnline,
				LastSeen:    now,
				Preferences: models.Preferences{}.Normalize(),
			}
			pipe.HSet(ctx, key, encodeRecord(created))
			pipe.SAdd(ctx, onlineSetKey, identity)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("register %s: %w", identity, err)
	}
	if created != nil {
		s.emit(ctx, presenceEvent{Identity: identity, Record: created, OnlineChanged: true})
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, identity string) error {
	key := recordKey(identity)
	return s.watchTx(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("touch %s: %w", identity, ErrNotRegistered)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "last_seen", s.opts.clock.Now().UnixMilli())
			return nil
		})
		return err
	}, key)
}

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) load(ctx context.Context, c hashReader, identity string) (*models.PresenceRecord, error) {
	fields, err := c.HGetAll(ctx, recordKey(identity)).Result()
	if err != nil {
		return nil, err
	}
	return decodeRecord(fields), nil
}

func (s *RedisStore) BeginSearch(ctx context.Context, identity string, prefs models.Preferences) error {
	key := recordKey(identity)
	var updated *models.PresenceRecord
	err := s.watchTx(ctx, func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, identity)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotRegistered
		}
		if rec.IsPaired() {
			return ErrAlreadyPaired
		}
		rec.Status = models.StatusSearching
		rec.Preferences = prefs.Normalize()
		rec.LastSeen = s.opts.clock.Now()
		updated = rec
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeRecord(rec))
			pipe.SAdd(ctx, searchQueueKey, identity)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("begin search %s: %w", identity, err)
	}
	s.emit(ctx, presenceEvent{Identity: identity, Record: updated})
	return nil
}

func (s *RedisStore) CancelSearch(ctx context.Context, identity string) (bool, error) {
	key := recordKey(identity)
	var updated *models.PresenceRecord
	err := s.watchTx(ctx, func(tx *redis.Tx) error {
		updated = nil
		rec, err := s.load(ctx, tx, identity)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotRegistered
		}
		if rec.Status != models.StatusSearching {
			return nil
		}
		rec.Status = models.StatusOnline
		updated = rec
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(models.StatusOnline))
			pipe.SRem(ctx, searchQueueKey, identity)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return false, fmt.Errorf("cancel search %s: %w", identity, err)
	}
	if updated == nil {
		return false, nil
	}
	s.emit(ctx, presenceEvent{Identity: identity, Record: updated})
	return true, nil
}

func (s *RedisStore) Get(ctx context.Context, identity string) (*models.PresenceRecord, error) {
	rec, err := s.load(ctx, s.Redis, identity)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", identity, err)
	}
	return rec, nil
}

func (s *RedisStore) Searching(ctx context.Context) ([]models.PresenceRecord, error) {
	ids, err := s.Redis.SMembers(ctx, searchQueueKey).Result()
	if err != nil {
		return nil, fmt.Errorf("search queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.Redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search queue records: %w", err)
	}
	var pool []models.PresenceRecord
	for _, cmd := range cmds {
		rec := decodeRecord(cmd.Val())
		// Запис міг змінитися між SMEMBERS і HGETALL, тож фільтруємо за статусом.
		if rec != nil && rec.Status == models.StatusSearching {
			pool = append(pool, *rec)
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].Identity < pool[j].Identity })
	return pool, nil
}

func (s *RedisStore) Pair(ctx context.Context, initiator, responder, sessionID string) error {
	ki, kr := recordKey(initiator), recordKey(responder)
	var ri, rr *models.PresenceRecord

	// No retry here: a changed watched key means the candidate was touched by
	// someone else, which the matchmaker handles as a pairing race.
	err := s.Redis.Watch(ctx, func(tx *redis.Tx) error {
		var err error
		if ri, err = s.load(ctx, tx, initiator); err != nil {
			return err
		}
		if ri == nil {
			return ErrNotRegistered
		}
		if rr, err = s.load(ctx, tx, responder); err != nil {
			return err
		}
		if rr == nil {
			return ErrPairingRace
		}
		if err := canPair(ri, rr); err != nil {
			return err
		}
		link(ri, responder, sessionID, models.RoleInitiator)
		link(rr, initiator, sessionID, models.RoleResponder)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, ki, encodeRecord(ri))
			pipe.HSet(ctx, kr, encodeRecord(rr))
			pipe.SRem(ctx, searchQueueKey, initiator, responder)
			return nil
		})
		return err
	}, ki, kr)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrPairingRace
	}
	if err != nil {
		return fmt.Errorf("pair %s with %s: %w", initiator, responder, err)
	}
	s.emit(ctx,
		presenceEvent{Identity: initiator, Record: ri},
		presenceEvent{Identity: responder, Record: rr},
	)
	return nil
}

// partnerTx reads identity's current partner outside the transaction and then
// runs fn watching both records. fn sees the fresh records and must fail with
// redis.TxFailedErr if the partner changed in between, which triggers a retry.
func (s *RedisStore) partnerTx(ctx context.Context, identity string, fn func(tx *redis.Tx, rec, prec *models.PresenceRecord) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var current *models.PresenceRecord
		current, err = s.load(ctx, s.Redis, identity)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotRegistered
		}
		keys := []string{recordKey(identity)}
		if current.Partner != "" {
			keys = append(keys, recordKey(current.Partner))
		}
		err = s.Redis.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := s.load(ctx, tx, identity)
			if err != nil {
				return err
			}
			if rec == nil {
				return ErrNotRegistered
			}
			if rec.Partner != current.Partner {
				return redis.TxFailedErr
			}
			var prec *models.PresenceRecord
			if rec.Partner != "" {
				if prec, err = s.load(ctx, tx, rec.Partner); err != nil {
					return err
				}
			}
			return fn(tx, rec, prec)
		}, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) Unpair(ctx context.Context, identity, sessionID string) (string, error) {
	var partner string
	var events []presenceEvent
	err := s.partnerTx(ctx, identity, func(tx *redis.Tx, rec, prec *models.PresenceRecord) error {
		events = nil
		partner = ""
		if !holds(rec, sessionID) {
			return nil
		}
		partner = rec.Partner
		unlink(rec)
		events = append(events, presenceEvent{Identity: identity, Record: rec})
		if prec != nil && prec.Partner == identity {
			unlink(prec)
			events = append(events, presenceEvent{Identity: prec.Identity, Record: prec})
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, ev := range events {
				pipe.HSet(ctx, recordKey(ev.Identity), encodeRecord(ev.Record))
			}
			return nil
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("unpair %s: %w", identity, err)
	}
	s.emit(ctx, events...)
	return partner, nil
}

func (s *RedisStore) Detach(ctx context.Context, identity, sessionID string) error {
	key := recordKey(identity)
	var updated *models.PresenceRecord
	err := s.watchTx(ctx, func(tx *redis.Tx) error {
		updated = nil
		rec, err := s.load(ctx, tx, identity)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotRegistered
		}
		if !holds(rec, sessionID) {
			return nil
		}
		unlink(rec)
		updated = rec
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeRecord(rec))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("detach %s: %w", identity, err)
	}
	if updated != nil {
		s.emit(ctx, presenceEvent{Identity: identity, Record: updated})
	}
	return nil
}

func (s *RedisStore) MarkOffline(ctx context.Context, identity string) error {
	var events []presenceEvent
	err := s.partnerTx(ctx, identity, func(tx *redis.Tx, rec, prec *models.PresenceRecord) error {
		events = []presenceEvent{{Identity: identity, OnlineChanged: true}}
		if prec != nil && prec.Partner == identity {
			unlink(prec)
			events = append(events, presenceEvent{Identity: prec.Identity, Record: prec})
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, recordKey(identity))
			pipe.SRem(ctx, onlineSetKey, identity)
			pipe.SRem(ctx, searchQueueKey, identity)
			if len(events) > 1 {
				pipe.HSet(ctx, recordKey(prec.Identity), encodeRecord(prec))
			}
			return nil
		})
		return err
	})
	if errors.Is(err, ErrNotRegistered) {
		// Хеш уже видалено, прибираємо можливі залишки в множинах.
		return s.Redis.SRem(ctx, onlineSetKey, identity).Err()
	}
	if err != nil {
		return fmt.Errorf("mark offline %s: %w", identity, err)
	}
	s.emit(ctx, events...)
	return nil
}

func (s *RedisStore) Expired(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.Redis.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("online set: %w", err)
	}
	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.Redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, recordKey(id), "last_seen")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("last seen: %w", err)
	}
	var out []string
	for i, cmd := range cmds {
		ms, err := cmd.Int64()
		if err != nil {
			// Запис без last_seen є залишком після збою, вважаємо простроченим.
			out = append(out, ids[i])
			continue
		}
		if time.UnixMilli(ms).Before(cutoff) {
			out = append(out, ids[i])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) OnlineCount(ctx context.Context) (int, error) {
	n, err := s.Redis.SCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("online count: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Watch(identity string) *notify.Subscription[models.PresenceRecord] {
	return s.watchers.Subscribe(identity)
}

func (s *RedisStore) WatchOnlineCount() *notify.Subscription[int] {
	return s.counts.Subscribe()
}
