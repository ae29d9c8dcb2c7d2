package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/Zereker/clush"
)

const defaultUserTTL = 5 * time.Minute

// missingUser marks an id known not to exist.
const missingUser = "-"

// Cache is a read-through Redis cache in front of another store's user
// lookups. Message writes go straight to the wrapped store. Redis failures
// fall back to the wrapped store.
type Cache struct {
	DataStore

	client *redis.Client
	ttl    time.Duration
	logger clush.Logger
}

// NewRedisClient connects to the Redis server at redisURL.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// NewCache wraps next with a user cache kept in client for ttl.
func NewCache(next DataStore, client *redis.Client, ttl time.Duration, logger clush.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultUserTTL
	}
	if logger == nil {
		logger = clush.DiscardLogger()
	}
	return &Cache{DataStore: next, client: client, ttl: ttl, logger: logger}
}

type cachedUser struct {
	ID       uint64 `json:"id"`
	Password string `json:"password"`
}

// userKey returns the key caching the user record for id.
func userKey(id uint64) string {
	return fmt.Sprintf("clush:user:%d", id)
}

func (c *Cache) FindUserByID(ctx context.Context, id uint64) (*clush.User, error) {
	val, err := c.client.Get(ctx, userKey(id)).Result()
	switch {
	case err == nil:
		if val == missingUser {
			return nil, nil
		}
		var cu cachedUser
		if jerr := json.Unmarshal([]byte(val), &cu); jerr == nil {
			return &clush.User{ID: cu.ID, PasswordHash: cu.Password}, nil
		}
		c.logger.Warn("corrupt cached user", "user_id", id)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("redis lookup failed", "user_id", id, "error", err)
	}

	user, err := c.DataStore.FindUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.put(ctx, id, user)
	return user, nil
}

func (c *Cache) put(ctx context.Context, id uint64, user *clush.User) {
	val := missingUser
	if user != nil {
		data, err := json.Marshal(cachedUser{ID: user.ID, Password: user.PasswordHash})
		if err != nil {
			return
		}
		val = string(data)
	}

	if err := c.client.Set(ctx, userKey(id), val, c.ttl).Err(); err != nil {
		c.logger.Warn("redis store failed", "user_id", id, "error", err)
	}
}

// CreateUser creates the user in the wrapped store and drops any cached
// "missing" marker for its id.
func (c *Cache) CreateUser(ctx context.Context, user clush.User) error {
	if err := c.DataStore.CreateUser(ctx, user); err != nil {
		return err
	}
	if err := c.client.Del(ctx, userKey(user.ID)).Err(); err != nil {
		c.logger.Warn("redis invalidate failed", "user_id", user.ID, "error", err)
	}
	return nil
}

// Ping checks both the wrapped store and Redis.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.DataStore.Ping(ctx); err != nil {
		return err
	}
	return errors.Wrap(c.client.Ping(ctx).Err(), "ping redis")
}

// Close closes the Redis client and the wrapped store.
func (c *Cache) Close() error {
	rerr := c.client.Close()
	if err := c.DataStore.Close(); err != nil {
		return err
	}
	return rerr
}
