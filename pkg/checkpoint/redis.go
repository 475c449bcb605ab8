// Package checkpoint caches the last observed build state of each table so
// status queries need not inspect the warehouse. The warehouse schema stays
// authoritative.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/fdm/pkg/linkage"
	"github.com/synaptica-ai/fdm/pkg/query"
)

const keyPrefix = "fdm:state:"

// RedisStore is a Redis-backed linkage.StateStore.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

type Option func(*RedisStore)

// WithTTL expires cached states; zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *RedisStore) { s.ttl = ttl }
}

func NewRedisStore(client redis.Cmdable, opts ...Option) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var _ linkage.StateStore = (*RedisStore)(nil)

func key(ref query.TableRef) string {
	return keyPrefix + ref.String()
}

func (s *RedisStore) SaveState(ctx context.Context, ref query.TableRef, state linkage.TableState) error {
	if err := s.client.Set(ctx, key(ref), state.String(), s.ttl).Err(); err != nil {
		return fmt.Errorf("save state of %s: %w", ref, err)
	}
	return nil
}

func (s *RedisStore) LoadState(ctx context.Context, ref query.TableRef) (linkage.TableState, bool, error) {
	raw, err := s.client.Get(ctx, key(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return linkage.Uncopied, false, nil
	}
	if err != nil {
		return linkage.Uncopied, false, fmt.Errorf("load state of %s: %w", ref, err)
	}
	state, err := linkage.ParseTableState(raw)
	if err != nil {
		return linkage.Uncopied, false, err
	}
	return state, true, nil
}

// Forget drops the cached state, for example after the table was deleted.
func (s *RedisStore) Forget(ctx context.Context, ref query.TableRef) error {
	return s.client.Del(ctx, key(ref)).Err()
}

// Namespace returns every cached state under one namespace keyed by table
// reference.
func (s *RedisStore) Namespace(ctx context.Context, project, namespace string) (map[string]linkage.TableState, error) {
	prefix := keyPrefix + query.TableRef{Project: project, Namespace: namespace, Name: ""}.String() + "."
	out := make(map[string]linkage.TableState)
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		raw, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		state, err := linkage.ParseTableState(raw)
		if err != nil {
			continue
		}
		out[k[len(keyPrefix):]] = state
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan states of %s: %w", namespace, err)
	}
	return out, nil
}
