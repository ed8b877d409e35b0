// Package lock - эксклюзивная блокировка для периодических задач
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLocked - блокировка уже занята другим исполнителем
var ErrLocked = errors.New("lock: already held")

// Release освобождает захваченную блокировку
type Release func(ctx context.Context) error

// Locker захватывает именованную блокировку на ttl
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// LocalLocker - блокировка в пределах процесса
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalLocker создаёт LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

// Acquire реализует Locker
func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, ErrLocked
	}
	until := now.Add(ttl)
	l.held[key] = until

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// ключ мог быть перехвачен после истечения ttl
		if l.held[key].Equal(until) {
			delete(l.held, key)
		}
		return nil
	}, nil
}

// снимаем ключ, только если он всё ещё наш
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker - блокировка на SET NX PX с проверкой токена при снятии
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisLocker создаёт RedisLocker
func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

// Acquire реализует Locker
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	full := l.prefix + key
	token := randToken(16)

	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		err := l.rdb.Eval(ctx, releaseLua, []string{full}, token).Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}, nil
}

func randToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format(time.RFC3339Nano)
	}
	return hex.EncodeToString(b)
}
