package s3

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisParamsPrefix = "s3fs:bucket-params:"

// RedisParamsStore implements ParamsStore on Redis so that endpoint
// discoveries made by one process prime handles in every other process
// sharing the instance. Entries carry a TTL because bucket placement can
// change.
type RedisParamsStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisParamsStore creates a store on client. A zero ttl keeps entries
// for 24 hours.
func NewRedisParamsStore(client redis.UniversalClient, ttl time.Duration) *RedisParamsStore {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisParamsStore{client: client, ttl: ttl}
}

// Get returns the recorded parameters for bucket.
func (s *RedisParamsStore) Get(ctx context.Context, bucket string) (Params, bool, error) {
	data, err := s.client.Get(ctx, redisParamsPrefix+bucket).Bytes()
	if err == redis.Nil {
		return Params{}, false, nil
	}
	if err != nil {
		return Params{}, false, err
	}
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return Params{}, false, err
	}
	return p, true, nil
}

// Set records the parameters for bucket.
func (s *RedisParamsStore) Set(ctx context.Context, bucket string, params Params) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisParamsPrefix+bucket, data, s.ttl).Err()
}

// Clear drops all recorded parameters.
func (s *RedisParamsStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, redisParamsPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Ensure RedisParamsStore implements ParamsStore.
var _ ParamsStore = (*RedisParamsStore)(nil)
