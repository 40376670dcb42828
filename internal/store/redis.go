package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisRetries = 8

// Redis keeps each property state as one JSON value. Update is an
// optimistic WATCH/MULTI transaction, so several mcsync instances can
// share a server without lost updates.
type Redis struct {
	client  *redis.Client
	prefix  string
	retries int
}

// NewRedis wraps an existing client. Keys are "<prefix>:property:<id>".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "mcsync"
	}
	return &Redis{client: client, prefix: prefix, retries: defaultRedisRetries}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) key(propertyID int64) string {
	return fmt.Sprintf("%s:property:%d", r.prefix, propertyID)
}

func (r *Redis) Load(ctx context.Context, propertyID int64) (PropertyState, error) {
	return decodeRedis(r.client.Get(ctx, r.key(propertyID)), propertyID)
}

func (r *Redis) Update(ctx context.Context, propertyID int64, fn func(*PropertyState) error) error {
	key := r.key(propertyID)

	txf := func(tx *redis.Tx) error {
		st, err := decodeRedis(tx.Get(ctx, key), propertyID)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("store: encode property %d: %w", propertyID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < r.retries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func decodeRedis(cmd *redis.StringCmd, propertyID int64) (PropertyState, error) {
	var st PropertyState
	data, err := cmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return st, nil
		}
		return st, fmt.Errorf("store: get property %d: %w", propertyID, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return PropertyState{}, fmt.Errorf("store: decode property %d: %w", propertyID, err)
	}
	return st, nil
}
