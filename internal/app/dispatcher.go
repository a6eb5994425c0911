package app

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Dispatcher runs jobs one at a time per key, in submission order.
// Different keys run concurrently. A lane exists only while it has work.
type Dispatcher struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	queue []func()
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{lanes: make(map[string]*lane)}
}

// Submit enqueues job on the lane for key. It reports false once the dispatcher is closed.
func (d *Dispatcher) Submit(key string, job func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		log.Warn().Str("session_id", key).Msg("dispatcher closed, dropping job")
		return false
	}

	l, ok := d.lanes[key]
	if ok {
		l.queue = append(l.queue, job)
		return true
	}
	l = &lane{queue: []func(){job}}
	d.lanes[key] = l
	d.wg.Add(1)
	go d.drain(key, l)
	return true
}

func (d *Dispatcher) drain(key string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		job := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		d.mu.Unlock()

		d.runJob(key, job)
	}
}

func (d *Dispatcher) runJob(key string, job func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session_id", key).Interface("panic", r).Msg("session job panicked")
		}
	}()
	job()
}

// Active returns the number of lanes with pending or running work.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Close rejects new jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
