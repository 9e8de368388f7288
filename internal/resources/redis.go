package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"plan-coordinator/internal/modal"
)

// RedisOptions configures the Redis-backed repository.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix namespaces every key, e.g. "plans:".
	KeyPrefix string
}

// RedisRepository stores the current version of each resource under
// <prefix>resource:<id>, every version snapshot under
// <prefix>resource:<id>:v:<version> and the id index in <prefix>resources.
type RedisRepository struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRepository(opts RedisOptions) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRepository{client: client, prefix: opts.KeyPrefix, now: time.Now}, nil
}

func (r *RedisRepository) currentKey(id string) string {
	return r.prefix + "resource:" + id
}

func (r *RedisRepository) versionKey(id, version string) string {
	return r.prefix + "resource:" + id + ":v:" + version
}

func (r *RedisRepository) idemKey(key string) string {
	return r.prefix + "resource:idem:" + key
}

func (r *RedisRepository) indexKey() string {
	return r.prefix + "resources"
}

func getJSON[T any](ctx context.Context, c redis.Cmdable, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: key=%s", modal.ErrNotFound, key)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &v, nil
}

func (r *RedisRepository) Get(ctx context.Context, id string) (*modal.Resource, error) {
	return getJSON[modal.Resource](ctx, r.client, r.currentKey(id))
}

func (r *RedisRepository) GetVersion(ctx context.Context, id, version string) (*modal.Resource, error) {
	return getJSON[modal.Resource](ctx, r.client, r.versionKey(id, version))
}

// createAttempts bounds the optimistic retries of an idempotent create whose
// key is being written concurrently.
const createAttempts = 5

// Create writes a new resource. With an idempotency key the key and the
// resource are written in one transaction under WATCH: a key that already
// points at a resource returns it, and a key left behind without one has its
// id reused for the write.
func (r *RedisRepository) Create(ctx context.Context, w modal.ResourceWrite) (*modal.Resource, error) {
	if w.IdempotencyKey == "" {
		res := r.build(newResourceID(), w)
		if err := r.write(ctx, r.client, res, ""); err != nil {
			return nil, err
		}
		return res, nil
	}

	idem := r.idemKey(w.IdempotencyKey)
	for i := 0; i < createAttempts; i++ {
		var res *modal.Resource
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			id, err := tx.Get(ctx, idem).Result()
			switch {
			case errors.Is(err, redis.Nil):
				id = newResourceID()
			case err != nil:
				return fmt.Errorf("failed to read idempotency key: %w", err)
			default:
				if err := tx.Watch(ctx, r.currentKey(id)).Err(); err != nil {
					return fmt.Errorf("failed to watch resource %s: %w", id, err)
				}
				existing, err := getJSON[modal.Resource](ctx, tx, r.currentKey(id))
				if err == nil {
					res = existing
					return nil
				}
				if !errors.Is(err, modal.ErrNotFound) {
					return err
				}
			}
			res = r.build(id, w)
			return r.write(ctx, tx, res, idem)
		}, idem)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, fmt.Errorf("failed to create resource: idempotency key %s changed %d times", w.IdempotencyKey, createAttempts)
}

// write stores res as a new resource, recording idem when set.
func (r *RedisRepository) write(ctx context.Context, c redis.Cmdable, res *modal.Resource, idem string) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal resource %s: %w", res.ID, err)
	}
	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if idem != "" {
			pipe.Set(ctx, idem, res.ID, 0)
		}
		pipe.Set(ctx, r.currentKey(res.ID), data, 0)
		pipe.Set(ctx, r.versionKey(res.ID, res.Version), data, 0)
		pipe.SAdd(ctx, r.indexKey(), res.ID)
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to create resource %s: %w", res.ID, err)
	}
	return nil
}

// Update checks the version and writes under WATCH, so a concurrent writer
// between the check and EXEC aborts the transaction.
func (r *RedisRepository) Update(ctx context.Context, id string, w modal.ResourceWrite, expectedVersion string) (*modal.Resource, error) {
	key := r.currentKey(id)
	var res *modal.Resource

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := getJSON[modal.Resource](ctx, tx, key)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("%w: resource id=%s expected=%s current=%s", modal.ErrVersionConflict, id, expectedVersion, cur.Version)
		}

		res = r.build(id, w)
		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal resource %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, r.versionKey(id, res.Version), data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: resource id=%s changed during update", modal.ErrVersionConflict, id)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *RedisRepository) Search(ctx context.Context, f modal.ResourceFilter) ([]*modal.Resource, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.currentKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}

	var out []*modal.Resource
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var res modal.Resource
		if err := json.Unmarshal([]byte(s), &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		if !matches(&res, f) {
			continue
		}
		out = append(out, &res)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func (r *RedisRepository) build(id string, w modal.ResourceWrite) *modal.Resource {
	return &modal.Resource{
		ID:                 id,
		Data:               w.Data,
		Version:            newVersion(),
		SourceDraftID:      w.SourceDraftID,
		SourceSubmissionID: w.SourceSubmissionID,
		UpdatedAt:          r.now().UTC(),
	}
}
