package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/knowd-platform/knowd/internal/telemetry"
)

// Job is one periodic unit of work with its cron cadence.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler drives the periodic jobs from a single ticker goroutine. Each
// job keeps its own cadence; a redis SetNX lock per job keeps overlapping
// replicas from double-running a cycle.
type Scheduler struct {
	Rdb     *redis.Client
	Jobs    []Job
	Metrics *telemetry.Metrics
	Log     *log.Logger
	Stop    chan struct{}

	mu      sync.Mutex
	lastRun map[string]time.Time
}

const (
	tickInterval = 30 * time.Second
	jobLockTTL   = 10 * time.Minute
)

func (s *Scheduler) Start() {
	if s.Log == nil {
		s.Log = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	s.lastRun = make(map[string]time.Time, len(s.Jobs))
	ticker := time.NewTicker(tickInterval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	for _, job := range s.Jobs {
		s.mu.Lock()
		last, seen := s.lastRun[job.Name]
		s.mu.Unlock()
		var lastPtr *time.Time
		if seen {
			lastPtr = &last
		}
		if !isDue(job.Spec, lastPtr) {
			continue
		}

		if s.Rdb != nil {
			lockKey := "knowd:job:" + job.Name
			ok, err := s.Rdb.SetNX(ctx, lockKey, "1", jobLockTTL).Result()
			if err != nil {
				s.Log.Printf("lock %s: %v", job.Name, err)
				continue
			}
			if !ok {
				continue
			}
		}

		s.mu.Lock()
		s.lastRun[job.Name] = time.Now()
		s.mu.Unlock()

		go func(job Job) {
			// jitter to avoid stampedes across replicas
			time.Sleep(time.Duration(250+time.Now().UnixNano()%250) * time.Millisecond)
			if s.Metrics != nil {
				s.Metrics.JobRuns.WithLabelValues(job.Name).Inc()
			}
			if err := job.Run(ctx); err != nil {
				if s.Metrics != nil {
					s.Metrics.JobFailures.WithLabelValues(job.Name).Inc()
				}
				s.Log.Printf("job %s: %v", job.Name, err)
			}
			if s.Rdb != nil {
				s.Rdb.Del(ctx, "knowd:job:"+job.Name)
			}
		}(job)
	}
}

// isDue determines whether a job with cronSpec should run now given its
// last run time. Supports "@daily", "@hourly" and standard 5-field cron
// expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// invalid spec degrades to @daily
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
