package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"thermalign/internal/capture"
	"thermalign/internal/logging"
	"thermalign/internal/metrics"
	"thermalign/internal/register"
	"thermalign/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobAlignPair JobType = "align_pair"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single processing request.
type Job struct {
	ID        string
	RunID     string
	Type      JobType
	Pair      capture.Pair
	OutputDir string
	// Reply, when set, receives the Result in addition to subscribers. It
	// must have room for every job sent with it.
	Reply chan<- Result
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Error    error
	Stage    string // where a failed job stopped: decode, write
	Method   register.Method
	Reason   register.Reason
	Matches  int
	Inliers  int
	Duration time.Duration
	Outputs  []string
	Meta     map[string]any
}

// OK reports whether the job wrote its outputs.
func (r Result) OK() bool { return r.Error == nil }

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	store     *storage.Store
	queued    atomic.Int64
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline whose workers align pairs with aligner and encode
// the aligned thermal at jpegQuality.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, aligner *register.Aligner, jpegQuality int) *Pipeline {
	return NewWithProcessor(ctx, concurrency, logger, store, newRouter(logger, aligner, jpegQuality))
}

// NewWithProcessor creates a Pipeline with the given concurrency and processor implementation.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		stopped:   make(chan struct{}),
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue, blocking while the queue is
// full. It fails when ctx ends or the pipeline is stopped first.
func (p *Pipeline) Submit(ctx context.Context, job Job) error {
	if job.Type == "" {
		job.Type = JobAlignPair
	}
	select {
	case <-p.stopped:
		return ErrStopped
	default:
	}

	metrics.SetQueueDepth(int(p.queued.Add(1)))
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		metrics.SetQueueDepth(int(p.queued.Add(-1)))
		return ctx.Err()
	case <-p.stopped:
		metrics.SetQueueDepth(int(p.queued.Add(-1)))
		return ErrStopped
	}
}

// Stop signals workers to exit and waits for completion. Jobs still queued
// are abandoned.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			metrics.SetQueueDepth(int(p.queued.Add(-1)))
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogPairStart(p.log, job.RunID, job.ID, job.Pair.RGBPath, job.Pair.ThermalPath)

	res := p.processor.Process(ctx, job)
	res.Job = job
	res.Duration = time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogPairError(p.log, job.RunID, job.ID, res.Duration, res.Error, map[string]any{
			"stage":   res.Stage,
			"rgb":     job.Pair.RGBPath,
			"thermal": job.Pair.ThermalPath,
		})
		metrics.ObserveFailure(res.Stage)
	} else {
		logging.LogPairComplete(p.log, job.RunID, job.ID, res.Duration, res.Meta)
		metrics.ObservePair(string(res.Method), string(res.Reason), res.Duration)
	}

	if p.store != nil {
		if err := p.store.RecordPairResult(storage.PairRecord{
			RunID:        job.RunID,
			PairID:       job.ID,
			RGBPath:      job.Pair.RGBPath,
			ThermalPath:  job.Pair.ThermalPath,
			DeltaSeconds: job.Pair.DeltaSeconds,
			Status:       status,
			Method:       string(res.Method),
			Reason:       string(res.Reason),
			Matches:      res.Matches,
			Inliers:      res.Inliers,
			Duration:     res.Duration,
			Meta:         res.Meta,
			Error:        errString(res.Error),
		}); err != nil {
			p.log.Warn("failed to record pair result", "pair", job.ID, "error", err)
		}
	}

	if job.Reply != nil {
		job.Reply <- res
	}
	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
// Slow subscribers miss results; use Job.Reply to collect every result.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "pair", res.Job.ID)
		}
	}
}
