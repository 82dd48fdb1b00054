package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// sessionKeyPrefix namespaces session tokens in the shared Redis keyspace.
const sessionKeyPrefix = "xqueue:session:"

// RedisSessionStore is the Sessions implementation used when
// EnableRedisCache is true: operator sessions live in Redis with a TTL
// instead of in an in-process map, so a login survives a server restart
// and is visible to every server instance behind the same Redis.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore creates a session store backed by client.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// Issue creates a new session for username and returns its token. Errors
// talking to Redis are swallowed into an empty token; the caller treats
// that the same as a login that can't be validated.
func (s *RedisSessionStore) Issue(username string) string {
	token := uuid.NewString()
	if err := s.client.Set(context.Background(), sessionKeyPrefix+token, username, sessionTTL).Err(); err != nil {
		return ""
	}
	return token
}

// Validate returns the username bound to token, if the session exists in
// Redis and has not expired.
func (s *RedisSessionStore) Validate(token string) (string, bool) {
	username, err := s.client.Get(context.Background(), sessionKeyPrefix+token).Result()
	if err != nil {
		return "", false
	}
	return username, true
}

// Revoke deletes token, logging out its session.
func (s *RedisSessionStore) Revoke(token string) {
	s.client.Del(context.Background(), sessionKeyPrefix+token)
}
