package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRateLimits = []byte("rate_limits")
	relayKey         = []byte("relay")
)

// Limits is the relay-wide sending allowance. Zero means unlimited.
type Limits struct {
	MessagesPerHour int `json:"messages_per_hour"`
	MessagesPerDay  int `json:"messages_per_day"`
}

// Counter tracks sends in the current hour and day windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Stats is a snapshot of the quota
type Stats struct {
	Limits
	Counter
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Quota counts every message handed to the relay, across campaigns and
// process restarts. Each granted send is persisted before it is reported.
type Quota struct {
	db      *bolt.DB
	limits  Limits
	counter Counter
	mu      sync.Mutex
	now     func() time.Time
}

// NewQuota loads the persisted counter from db
func NewQuota(db *bolt.DB, limits Limits) (*Quota, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	q := &Quota{db: db, limits: limits, now: time.Now}

	if err := q.load(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}
	return q, nil
}

// Remaining returns how many sends are still allowed right now
func (q *Quota) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.resetExpired(q.now())
	return q.remaining()
}

// Allow consumes one send if the quota permits it
func (q *Quota) Allow() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.resetExpired(q.now())
	if q.remaining() <= 0 {
		return false, nil
	}

	q.counter.HourlyCount++
	q.counter.DailyCount++

	if err := q.persist(); err != nil {
		q.counter.HourlyCount--
		q.counter.DailyCount--
		return false, err
	}
	return true, nil
}

// Stats returns the current counters and the wait until more sends open up
func (q *Quota) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.resetExpired(now)

	s := Stats{Limits: q.limits, Counter: q.counter, Remaining: q.remaining()}
	if s.Remaining == 0 {
		if q.limits.MessagesPerDay > 0 && q.counter.DailyCount >= q.limits.MessagesPerDay {
			s.RetryAfter = q.counter.DayStart.Add(24 * time.Hour).Sub(now)
		} else {
			s.RetryAfter = q.counter.HourStart.Add(time.Hour).Sub(now)
		}
	}
	return s
}

// Stop persists the counter
func (q *Quota) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persist()
}

func (q *Quota) remaining() int {
	left := math.MaxInt
	if q.limits.MessagesPerHour > 0 {
		left = min(left, q.limits.MessagesPerHour-q.counter.HourlyCount)
	}
	if q.limits.MessagesPerDay > 0 {
		left = min(left, q.limits.MessagesPerDay-q.counter.DailyCount)
	}
	return max(left, 0)
}

func (q *Quota) resetExpired(now time.Time) {
	if now.Sub(q.counter.HourStart) >= time.Hour {
		q.counter.HourlyCount = 0
		q.counter.HourStart = now
	}
	if now.Sub(q.counter.DayStart) >= 24*time.Hour {
		q.counter.DailyCount = 0
		q.counter.DayStart = now
	}
}

func (q *Quota) load() error {
	return q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRateLimits).Get(relayKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &q.counter)
	})
}

func (q *Quota) persist() error {
	data, err := json.Marshal(q.counter)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).Put(relayKey, data)
	})
}
