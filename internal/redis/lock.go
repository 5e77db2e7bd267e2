package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BusyError is returned when a doctor's calendar lock could not be
// acquired within the configured wait. Callers may retry.
type BusyError struct {
	DoctorID uuid.UUID
	Waited   time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("calendar for doctor %s is busy after waiting %s", e.DoctorID, e.Waited)
}

// Locker serializes critical sections against one doctor's calendar.
type Locker interface {
	WithCalendarLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error
}

type calendarLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewCalendarLocker creates a locker keyed per doctor. Acquisition is
// retried until wait elapses; the lock itself expires after ttl so a
// crashed holder cannot wedge the calendar.
func NewCalendarLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &calendarLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		retry:  50 * time.Millisecond,
	}
}

func (l *calendarLocker) WithCalendarLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:calendar:%s", doctorID.String())
	token := uuid.NewString()

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire calendar lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return &BusyError{DoctorID: doctorID, Waited: l.wait}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *calendarLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release calendar lock: %w", err)
	}
	return nil
}
