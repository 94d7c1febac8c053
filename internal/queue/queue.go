package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"forgeline/internal/engine"
	"forgeline/internal/repo"
)

const defaultPollInterval = 500 * time.Millisecond

// Pool polls the jobs table and executes due work. Claiming is the only
// coordination between workers; the claim update's status guard makes a job
// land on exactly one of them.
type Pool struct {
	Engine       engine.Engine
	Concurrency  int
	PollInterval time.Duration
}

func NewPool(e engine.Engine, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Pool{
		Engine:       e,
		Concurrency:  concurrency,
		PollInterval: defaultPollInterval,
	}
}

// Run blocks until ctx is done. In-flight jobs finish; their commits decide
// against the run's current status, so a cancel racing a job stays safe.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.Concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i+1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()
	for {
		if err := p.runOne(ctx, workerID); err != nil {
			if err == repo.ErrNotFound {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				continue
			}
			log.Printf("queue: %s: %v", workerID, err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Pool) runOne(ctx context.Context, workerID string) error {
	now := p.now().UTC().Format(time.RFC3339)
	job, err := p.Engine.Repo.ClaimJob(ctx, workerID, now)
	if err != nil {
		return err
	}
	if err := p.Engine.ExecuteJob(ctx, job); err != nil {
		return fmt.Errorf("job %d (%s): %w", job.ID, job.Kind, err)
	}
	return nil
}

func (p *Pool) now() time.Time {
	if p.Engine.Now != nil {
		return p.Engine.Now()
	}
	return time.Now()
}

// Drain executes due jobs one at a time until none are due or max jobs have
// run. Used for synchronous CLI runs. Jobs scheduled in the future are left
// alone; the returned count tells the caller whether anything happened.
func Drain(ctx context.Context, e engine.Engine, max int) (int, error) {
	if max <= 0 {
		max = 1000
	}
	executed := 0
	for executed < max {
		now := time.Now
		if e.Now != nil {
			now = e.Now
		}
		job, err := e.Repo.ClaimJob(ctx, "drain", now().UTC().Format(time.RFC3339))
		if err == repo.ErrNotFound {
			return executed, nil
		}
		if err != nil {
			return executed, err
		}
		if err := e.ExecuteJob(ctx, job); err != nil {
			return executed, fmt.Errorf("job %d (%s): %w", job.ID, job.Kind, err)
		}
		executed++
	}
	return executed, nil
}
