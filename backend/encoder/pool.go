// Package encoder runs tile compression on a fixed set of workers behind
// a bounded job queue.
package encoder

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/adwski/rfb-webrtc-bridge/backend/rfb"
	"github.com/rs/zerolog"
)

const DefaultMaxPending = 200

var (
	ErrBackpressure  = errors.New("encode queue is full")
	ErrWorkerFailure = errors.New("encode worker failed")
	ErrStopped       = errors.New("encode pool is stopped")
)

// Job is one raw tile. Pixels belong to the pool until the result is delivered.
type Job struct {
	Pixels  []byte
	Rect    rfb.Rect
	Quality int
}

type Result struct {
	X    int
	Y    int
	Tile []byte
	Err  error
}

type EncodeFunc func(Job) ([]byte, error)

type Config struct {
	Logger     *zerolog.Logger
	Workers    int
	MaxPending int
	// Encode defaults to EncodeJPEG.
	Encode EncodeFunc
}

type task struct {
	job Job
	res chan<- Result
}

type Pool struct {
	logger  zerolog.Logger
	encode  EncodeFunc
	jobs    chan task
	wg      *sync.WaitGroup
	mx      *sync.RWMutex
	stopped bool

	busy    atomic.Int64
	workers int
}

func NewPool(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	encode := cfg.Encode
	if encode == nil {
		encode = EncodeJPEG
	}
	p := &Pool{
		logger:  cfg.Logger.With().Str("component", "encoder").Logger(),
		encode:  encode,
		jobs:    make(chan task, maxPending),
		wg:      &sync.WaitGroup{},
		mx:      &sync.RWMutex{},
		workers: workers,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	p.logger.Debug().Int("workers", workers).Int("maxPending", maxPending).Msg("encode pool started")
	return p
}

// Submit queues job without blocking. The returned channel receives exactly one Result.
func (p *Pool) Submit(job Job) (<-chan Result, error) {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	res := make(chan Result, 1)
	select {
	case p.jobs <- task{job: job, res: res}:
		return res, nil
	default:
		return nil, ErrBackpressure
	}
}

// Pending is the number of jobs waiting for a free worker.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Busy is the number of workers currently encoding.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool) Workers() int {
	return p.workers
}

// Stop lets the workers drain the queue and waits for them.
func (p *Pool) Stop() {
	p.mx.Lock()
	if p.stopped {
		p.mx.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mx.Unlock()

	p.wg.Wait()
	p.logger.Debug().Msg("encode pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.jobs {
		p.busy.Add(1)
		t.res <- p.run(id, t.job)
		p.busy.Add(-1)
	}
}

func (p *Pool) run(id int, job Job) (res Result) {
	res = Result{X: job.Rect.X, Y: job.Rect.Y}
	defer func() {
		if r := recover(); r != nil {
			res.Tile = nil
			res.Err = errors.Join(ErrWorkerFailure, fmt.Errorf("worker %d panicked: %v", id, r))
			p.logger.Error().Int("worker", id).Interface("panic", r).Msg("encode worker crashed")
		}
	}()

	tile, err := p.encode(job)
	if err != nil {
		res.Err = errors.Join(ErrWorkerFailure, err)
		return
	}
	res.Tile = tile
	return
}
