package engine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// recorder runs jobs in submission order per key. Different keys run
// concurrently.
type recorder struct {
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]*jobQueue
	wg     sync.WaitGroup
}

type jobQueue struct {
	jobs []func()
}

func newRecorder(logger *zap.Logger) *recorder {
	return &recorder{
		logger: logger,
		queues: make(map[string]*jobQueue),
	}
}

// enqueue schedules job after every job already queued under key.
func (r *recorder) enqueue(key string, job func()) {
	r.wg.Add(1)

	r.mu.Lock()
	q, running := r.queues[key]
	if !running {
		q = &jobQueue{}
		r.queues[key] = q
	}
	q.jobs = append(q.jobs, job)
	r.mu.Unlock()

	if !running {
		go r.drain(key, q)
	}
}

func (r *recorder) drain(key string, q *jobQueue) {
	for {
		r.mu.Lock()
		if len(q.jobs) == 0 {
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		r.mu.Unlock()

		r.run(job)
	}
}

func (r *recorder) run(job func()) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Recording job panicked", zap.String("panic", fmt.Sprint(p)))
		}
	}()
	job()
}

func (r *recorder) wait() {
	r.wg.Wait()
}
