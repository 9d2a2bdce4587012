package mqttproxy

import "sync"

// Job is a unit of work dispatched off the MQTT library's own network
// goroutine, grounded on original_source/src/lib/mqtt/job.cpp: every
// connect/disconnect/message callback paho invokes is re-queued here so a
// slow handler never stalls paho's read loop.
type Job func()

// JobQueue is a bounded, fixed-size worker pool. Submit blocks once the
// queue is full, providing the same backpressure job.cpp's queue gives the
// original: a burst of callbacks slows producers down rather than growing
// memory without bound.
type JobQueue struct {
	jobs chan Job
	wg   sync.WaitGroup
	once sync.Once
}

// NewJobQueue starts workers goroutines draining a queue capacity deep.
func NewJobQueue(workers, capacity int) *JobQueue {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	q := &JobQueue{jobs: make(chan Job, capacity)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.run()
	}
	return q
}

func (q *JobQueue) run() {
	defer q.wg.Done()
	for job := range q.jobs {
		job()
	}
}

// Submit enqueues job, blocking if the queue is full.
func (q *JobQueue) Submit(job Job) {
	q.jobs <- job
}

// TrySubmit enqueues job without blocking, returning false if the queue is
// full.
func (q *JobQueue) TrySubmit(job Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for every worker to drain it.
func (q *JobQueue) Stop() {
	q.once.Do(func() { close(q.jobs) })
	q.wg.Wait()
}
