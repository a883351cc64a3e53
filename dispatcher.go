package acm

import (
	"hash/fnv"
	"sync"

	"github.com/sirupsen/logrus"
)

// dispatchJob is one callback invocation to perform.
type dispatchJob struct {
	cb      Callback
	key     Key
	content []byte
}

// dispatcher is a fixed-size worker pool that invokes user callbacks with
// per-callback isolation. No ordering is promised across callbacks or keys,
// except that all jobs for a single key are funneled through the same
// worker slot, preserving submission order for that key.
type dispatcher struct {
	workers []chan dispatchJob
	wg      sync.WaitGroup
	log     *logrus.Entry
}

func newDispatcher(numWorkers, queueDepth int, log *logrus.Entry) *dispatcher {
	if numWorkers <= 0 {
		numWorkers = 10
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	d := &dispatcher{
		workers: make([]chan dispatchJob, numWorkers),
		log:     log,
	}
	for i := range d.workers {
		d.workers[i] = make(chan dispatchJob, queueDepth)
		d.wg.Add(1)
		go d.runWorker(d.workers[i])
	}
	return d
}

func (d *dispatcher) runWorker(jobs chan dispatchJob) {
	defer d.wg.Done()
	for job := range jobs {
		d.invoke(job)
	}
}

// invoke calls the callback, catching and logging a panic so that one
// misbehaving callback never takes down the worker or affects other
// callbacks/future invocations.
func (d *dispatcher) invoke(job dispatchJob) {
	defer func() {
		if r := recover(); r != nil {
			d.logf("callback panic for %s/%s/%s: %v", job.key.Tenant, job.key.Group, job.key.DataID, r)
		}
	}()
	job.cb(job.key, job.content)
}

// submit enqueues a job on the worker slot determined by hashing key, giving
// per-key ordering. It may block if that worker's queue is full.
func (d *dispatcher) submit(key Key, cb Callback, content []byte) {
	idx := workerIndex(key, len(d.workers))
	d.workers[idx] <- dispatchJob{cb: cb, key: key, content: content}
}

func workerIndex(key Key, numWorkers int) int {
	h := fnv.New32a()
	h.Write([]byte(key.Tenant))
	h.Write([]byte{0})
	h.Write([]byte(key.Group))
	h.Write([]byte{0})
	h.Write([]byte(key.DataID))
	return int(h.Sum32()) % numWorkers
}

// Close closes every worker channel at once, so no new work is accepted,
// then joins each worker after it has run the jobs already queued.
func (d *dispatcher) Close() {
	for _, ch := range d.workers {
		close(ch)
	}
	d.wg.Wait()
}

func (d *dispatcher) logf(format string, args ...interface{}) {
	if d.log == nil {
		return
	}
	d.log.Warnf(format, args...)
}
