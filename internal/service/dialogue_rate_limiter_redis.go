package service

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DialogueRateLimiter limita cuantas llamadas al LLM puede disparar un usuario por ventana.
type DialogueRateLimiter interface {
	Allow(ctx context.Context, userID string) bool
}

const redisDialogueAllowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

type redisDialogueRateLimiter struct {
	client redisEvaler
	window time.Duration
	max    int
	prefix string
}

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

func NewRedisDialogueRateLimiter(client *redis.Client, window time.Duration, max int) DialogueRateLimiter {
	if client == nil {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &redisDialogueRateLimiter{
		client: client,
		window: window,
		max:    max,
		prefix: "dialogue:rl:",
	}
}

// Allow falla abierto si Redis no responde: el tutor no se bloquea por el limitador.
func (l *redisDialogueRateLimiter) Allow(ctx context.Context, userID string) bool {
	if l == nil || l.client == nil {
		return true
	}
	key := strings.TrimSpace(userID)
	if key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	seconds := int(l.window.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	count, err := l.client.Eval(ctx, redisDialogueAllowScript, []string{l.prefix + key}, seconds).Int()
	if err != nil {
		return true
	}
	return count <= l.max
}
