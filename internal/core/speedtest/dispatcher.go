package speedtest

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/types"
)

const (
	// DefaultTick is how often the dispatcher looks for queued work.
	DefaultTick = 250 * time.Millisecond
	// DefaultQueueSize bounds the pending queue; overflow is dropped.
	DefaultQueueSize = 64
)

// Runner executes one speed job synchronously.
type Runner interface {
	Run(index int, profile *types.ServerProfile)
}

// DispatcherOptions tunes the queue. Zero values fall back to defaults.
type DispatcherOptions struct {
	Tick      time.Duration
	QueueSize int
}

type speedJob struct {
	index   int
	profile *types.ServerProfile
}

// Dispatcher feeds queued speed jobs to a Runner one at a time, in arrival
// order. Enqueue never blocks the caller: when the queue is full the
// request is dropped.
type Dispatcher struct {
	runner  Runner
	exiting func() bool

	jobs chan speedJob
	tick time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	log zerolog.Logger
}

// NewDispatcher builds a Dispatcher around runner. exiting may be nil.
func NewDispatcher(runner Runner, exiting func() bool, opts DispatcherOptions) *Dispatcher {
	tick := opts.Tick
	if tick == 0 {
		tick = DefaultTick
	}
	size := opts.QueueSize
	if size == 0 {
		size = DefaultQueueSize
	}
	return &Dispatcher{
		runner:   runner,
		exiting:  exiting,
		jobs:     make(chan speedJob, size),
		tick:     tick,
		stopChan: make(chan struct{}),
		log:      logger.WithComponent("speedtest"),
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		// A pending stop wins over a pending tick.
		select {
		case <-d.stopChan:
			return
		default:
		}

		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			if d.exiting != nil && d.exiting() {
				return
			}
			select {
			case job := <-d.jobs:
				d.runner.Run(job.index, job.profile)
			default:
			}
		}
	}
}

// Enqueue adds a job to the queue. It returns immediately; when the queue
// is full the job is silently dropped.
func (d *Dispatcher) Enqueue(index int, profile *types.ServerProfile) {
	select {
	case d.jobs <- speedJob{index: index, profile: profile}:
	default:
		d.log.Debug().
			Int("index", index).
			Str("remarks", profile.Remarks).
			Msg("Speed test queue full, request dropped.")
	}
}

// Stop shuts the loop down. A job already running finishes first; queued
// jobs are discarded.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	d.wg.Wait()
}
