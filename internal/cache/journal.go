// internal/cache/journal.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lunarlift/matchroom/internal/room"
)

// DefaultQueueName is the Redis list (queue) name for room activity records.
var DefaultQueueName = "matchroom_activity"

// Journal pushes accepted room mutations onto a Redis list for an
// out-of-process consumer (analytics, abuse review). Losing an entry is
// acceptable; the engine treats Record as best-effort.
type Journal struct {
	rdb   *redis.Client
	queue string
}

// NewJournal connects to Redis using environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
//   - ACTIVITY_QUEUE_NAME (optional)
func NewJournal(ctx context.Context) (*Journal, error) {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &Journal{rdb: rdb, queue: getEnv("ACTIVITY_QUEUE_NAME", DefaultQueueName)}, nil
}

// Record serializes the entry to JSON and pushes it to the Redis queue.
func (j *Journal) Record(ctx context.Context, entry room.JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	if err := j.rdb.RPush(ctx, j.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", j.queue, err)
	}
	return nil
}

// Close releases the Redis client.
func (j *Journal) Close() error {
	return j.rdb.Close()
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
