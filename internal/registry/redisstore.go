package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apperrors "github.com/gramsetu/signal-server-go/internal/errors"
	"github.com/gramsetu/signal-server-go/internal/model"
	redisclient "github.com/gramsetu/signal-server-go/internal/redis"
)

const (
	// casRetries bounds optimistic retries when two instances race an
	// update on the same call.
	casRetries = 5

	// ringingTTL caps how long an unanswered session can linger in redis
	// if no terminal transition ever arrives.
	ringingTTL = 30 * time.Minute
)

// RedisStore shares call sessions across server instances. Updates use
// WATCH/MULTI compare-and-set so the state machine checks stay atomic even
// when two instances apply answer and reject concurrently.
type RedisStore struct {
	client *redisclient.Client
	grace  time.Duration
}

func NewRedisStore(client *redisclient.Client, grace time.Duration) *RedisStore {
	return &RedisStore{client: client, grace: grace}
}

func (s *RedisStore) Insert(ctx context.Context, sess *model.CallSession) error {
	pairKey := redisclient.PairKey(sess.CallerID, sess.ReceiverID)

	ok, err := s.client.SetNX(ctx, pairKey, sess.CallID, ringingTTL).Result()
	if err != nil {
		return fmt.Errorf("claim pair: %w", err)
	}
	if !ok {
		existing, err := s.client.Get(ctx, pairKey).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("read pair: %w", err)
		}
		return apperrors.CallInProgress(existing)
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisclient.CallKey(sess.CallID), data, ringingTTL)
	pipe.SAdd(ctx, redisclient.PendingKey(sess.ReceiverID), sess.CallID)
	pipe.Expire(ctx, redisclient.PendingKey(sess.ReceiverID), ringingTTL)
	for _, userID := range []string{sess.CallerID, sess.ReceiverID} {
		pipe.SAdd(ctx, redisclient.LiveKey(userID), sess.CallID)
		pipe.Expire(ctx, redisclient.LiveKey(userID), ringingTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the pair claim, otherwise the failed insert blocks the
		// pair until the TTL expires.
		if delErr := s.client.Del(ctx, pairKey).Err(); delErr != nil {
			log.Warn().Err(delErr).Str("callId", sess.CallID).Msg("failed to release pair claim")
		}
		return fmt.Errorf("store session: %w", err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, callID string) (*model.CallSession, error) {
	data, err := s.client.Get(ctx, redisclient.CallKey(callID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, apperrors.NotFound("Call")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess model.CallSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Update(ctx context.Context, callID string, fn UpdateFunc) (*model.CallSession, error) {
	key := redisclient.CallKey(callID)
	var result *model.CallSession

	txn := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return apperrors.NotFound("Call")
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}

		var sess model.CallSession
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}

		wasRinging := sess.Status == model.CallStatusRinging

		if err := fn(&sess); err != nil {
			return err
		}

		updated, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if sess.Terminal() {
				pipe.Set(ctx, key, updated, s.grace)
				pipe.Del(ctx, redisclient.PairKey(sess.CallerID, sess.ReceiverID))
				pipe.SRem(ctx, redisclient.LiveKey(sess.CallerID), sess.CallID)
				pipe.SRem(ctx, redisclient.LiveKey(sess.ReceiverID), sess.CallID)
			} else {
				pipe.Set(ctx, key, updated, ringingTTL)
			}
			if wasRinging && sess.Status != model.CallStatusRinging {
				pipe.SRem(ctx, redisclient.PendingKey(sess.ReceiverID), sess.CallID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = &sess
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, apperrors.Internal("Concurrent call update did not settle").
		WithDetails(map[string]string{"callId": callID})
}

func (s *RedisStore) ListPendingFor(ctx context.Context, userID string) ([]*model.CallSession, error) {
	pendingKey := redisclient.PendingKey(userID)

	callIDs, err := s.client.SMembers(ctx, pendingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	var out []*model.CallSession
	for _, callID := range callIDs {
		sess, err := s.Get(ctx, callID)
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			// Session expired out from under the index.
			if err := s.client.SRem(ctx, pendingKey, callID).Err(); err != nil {
				log.Warn().Err(err).Str("callId", callID).Msg("failed to drop stale pending entry")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.Status == model.CallStatusRinging {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *RedisStore) ListLiveFor(ctx context.Context, userID string) ([]*model.CallSession, error) {
	liveKey := redisclient.LiveKey(userID)

	callIDs, err := s.client.SMembers(ctx, liveKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list live: %w", err)
	}

	var out []*model.CallSession
	for _, callID := range callIDs {
		sess, err := s.Get(ctx, callID)
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			if err := s.client.SRem(ctx, liveKey, callID).Err(); err != nil {
				log.Warn().Err(err).Str("callId", callID).Msg("failed to drop stale live entry")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if !sess.Terminal() {
			out = append(out, sess)
		}
	}
	return out, nil
}

// SweepTerminal is a no-op: terminal sessions expire via the TTL applied on
// the terminal transition.
func (s *RedisStore) SweepTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
