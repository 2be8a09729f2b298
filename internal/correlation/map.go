// Package correlation maps an authorized call identifier to an external
// session identifier (a browser tab, typically) so downstream broadcast
// logic can target UI updates. Written once per authorized call; overwrites
// support reconnect-with-new-session.
package correlation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Map is a prefixed Redis keyspace with the same TTL discipline as the
// session key store.
type Map struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates a correlation map on an existing Redis connection.
func New(client *redis.Client, prefix string, ttl time.Duration) *Map {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "callgate:corr:v1"
	}
	return &Map{client: client, prefix: prefix, ttl: ttl}
}

func (m *Map) key(callID string) string {
	return fmt.Sprintf("%s:%s", m.prefix, strings.TrimSpace(callID))
}

// Set records the call -> session mapping. Last write wins.
func (m *Map) Set(ctx context.Context, callID, sessionID string) error {
	if m == nil || m.client == nil {
		return nil
	}
	if sessionID == "" {
		return fmt.Errorf("empty session identifier")
	}
	return m.client.Set(ctx, m.key(callID), sessionID, m.ttl).Err()
}

// Get returns the session identifier for a call. Absence is not an error;
// it means there is no UI to notify.
func (m *Map) Get(ctx context.Context, callID string) (string, bool, error) {
	if m == nil || m.client == nil {
		return "", false, nil
	}
	v, err := m.client.Get(ctx, m.key(callID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
