package cooldown

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/go-redis/redis/v8"
)

// RedisPersister implements Persister on top of go-redis, so cooldown
// state survives process restarts and is shared across gateway replicas.
type RedisPersister struct {
	client *redis.Client
	prefix string
}

// NewRedisPersister wraps an existing *redis.Client. prefix namespaces
// keys so cooldown state doesn't collide with quota state in the same
// Redis instance.
func NewRedisPersister(client *redis.Client, prefix string) *RedisPersister {
	if prefix == "" {
		prefix = "plexus:cooldown:"
	}
	return &RedisPersister{client: client, prefix: prefix}
}

func (p *RedisPersister) redisKey(k string) string {
	return p.prefix + k
}

// Save writes a record with a TTL matching its remaining lifetime, so
// expired cooldowns self-evict from Redis without a separate sweep.
func (p *RedisPersister) Save(ctx context.Context, k string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal cooldown record")
	}

	ttl := time.Until(time.Unix(rec.ExpiryEpoch, 0))
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := p.client.Set(ctx, p.redisKey(k), raw, ttl).Err(); err != nil {
		return errors.Wrap(err, "set cooldown record")
	}
	return nil
}

func (p *RedisPersister) Delete(ctx context.Context, k string) error {
	if err := p.client.Del(ctx, p.redisKey(k)).Err(); err != nil {
		return errors.Wrap(err, "delete cooldown record")
	}
	return nil
}

// LoadAll scans every cooldown key back into memory on startup.
func (p *RedisPersister) LoadAll(ctx context.Context) (map[string]Record, error) {
	out := make(map[string]Record)
	iter := p.client.Scan(ctx, 0, p.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := p.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "get cooldown key %s", iter.Val())
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, errors.Wrapf(err, "unmarshal cooldown key %s", iter.Val())
		}
		out[rec.Provider+"\x00"+rec.Model+"\x00"+rec.AccountID] = rec
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan cooldown keys")
	}
	return out, nil
}
