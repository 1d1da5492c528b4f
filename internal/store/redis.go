package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"reqshield/internal/config"
	"reqshield/internal/model"
)

const maxCASRetries = 5

// Redis keeps markers in one sorted set per client, scored by unix millis,
// and state as a JSON string that Redis expires at ExpiresAt.
type Redis struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedis(cfg config.StoreConfig) *Redis {
	return &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix:  cfg.KeyPrefix,
		timeout: cfg.Timeout.Std(),
	}
}

func (s *Redis) hitsKey(clientID string) string  { return s.prefix + "hits:" + clientID }
func (s *Redis) stateKey(clientID string) string { return s.prefix + "state:" + clientID }

func (s *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", ErrStoreUnavailable, op, err)
}

func (s *Redis) RecordHit(ctx context.Context, clientID string, now time.Time, windows []time.Duration) ([]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.hitsKey(clientID)
	nowMs := now.UnixMilli()
	counts := make([]*redis.IntCmd, len(windows))
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(nowMs-Retention.Milliseconds(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: uuid.NewString()})
		for i, w := range windows {
			lower := "(" + strconv.FormatInt(nowMs-w.Milliseconds(), 10)
			counts[i] = pipe.ZCount(ctx, key, lower, strconv.FormatInt(nowMs, 10))
		}
		pipe.PExpire(ctx, key, Retention)
		return nil
	})
	if err != nil {
		return nil, unavailable("record hit", err)
	}
	out := make([]int64, len(windows))
	for i, cmd := range counts {
		out[i] = cmd.Val()
	}
	return out, nil
}

func (s *Redis) GetState(ctx context.Context, clientID string) (model.ClientState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.rdb.Get(ctx, s.stateKey(clientID)).Bytes()
	if err == redis.Nil {
		return model.ClientState{}, ErrNotFound
	}
	if err != nil {
		return model.ClientState{}, unavailable("get state", err)
	}
	var st model.ClientState
	if err := json.Unmarshal(data, &st); err != nil {
		return model.ClientState{}, fmt.Errorf("decode state for %s: %w", clientID, err)
	}
	return st, nil
}

// UpdateState runs fn under WATCH on the state key and retries when another
// instance wrote the key in between.
func (s *Redis) UpdateState(ctx context.Context, clientID string, fn UpdateFunc) (model.ClientState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.stateKey(clientID)
	var result model.ClientState
	txf := func(tx *redis.Tx) error {
		var cur model.ClientState
		found := false
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("decode state for %s: %w", clientID, err)
			}
			found = true
		}
		next, ok := fn(cur, found)
		if !ok {
			result = cur
			return nil
		}
		next.ClientID = clientID
		enc, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, enc, 0)
			pipe.PExpireAt(ctx, key, next.ExpiresAt)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxCASRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return model.ClientState{}, unavailable("update state", err)
	}
	return model.ClientState{}, fmt.Errorf("%w: update state for %s after %d attempts", ErrContention, clientID, maxCASRetries)
}

func (s *Redis) DeleteState(ctx context.Context, clientID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, s.stateKey(clientID)).Err(); err != nil {
		return unavailable("delete state", err)
	}
	return nil
}

// Sweep is a no-op for Redis: RecordHit trims each set and key expiry
// removes idle clients and expired state.
func (s *Redis) Sweep(context.Context, time.Time) error {
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}
