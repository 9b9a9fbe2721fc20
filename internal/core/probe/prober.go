package probe

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/types"
)

const (
	DefaultWorkers = 8
	DefaultTimeout = 2 * time.Second
)

// TrashView answers whether a profile was deleted while a probe was in
// flight. The registry satisfies it.
type TrashView interface {
	IsRemoved(id string) bool
}

// Options tunes a Prober. Zero values fall back to the package defaults.
type Options struct {
	Workers int
	Timeout time.Duration
}

// Prober runs fire-and-forget latency probes over a bounded worker pool.
// Submissions never block the caller; excess probes queue on the pool.
type Prober struct {
	pinger   Pinger
	trash    TrashView
	sink     types.OutcomeSink
	recorder types.ResultRecorder
	timeout  time.Duration
	sem      chan struct{}
	wg       sync.WaitGroup
	log      zerolog.Logger
}

func NewProber(pinger Pinger, trash TrashView, sink types.OutcomeSink, recorder types.ResultRecorder, opts Options) *Prober {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		pinger:   pinger,
		trash:    trash,
		sink:     sink,
		recorder: recorder,
		timeout:  timeout,
		sem:      make(chan struct{}, workers),
		log:      logger.WithComponent("probe"),
	}
}

// Submit schedules one probe for the profile that sat at index when the user
// asked. The caller returns immediately.
func (p *Prober) Submit(index int, profile *types.ServerProfile) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		p.run(index, profile)
	}()
}

// Wait blocks until every submitted probe has finished.
func (p *Prober) Wait() {
	p.wg.Wait()
}

func (p *Prober) run(index int, profile *types.ServerProfile) {
	if p.trash != nil && p.trash.IsRemoved(profile.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	rtt, err := p.pinger.Ping(ctx, profile.Address)
	result := formatLatency(rtt, err)

	// The row may have been deleted while the probe was in flight.
	if p.trash != nil && p.trash.IsRemoved(profile.ID) {
		return
	}

	seq := profile.EnsureExtras().Set(string(types.FieldLatency), result)
	p.log.Debug().Str("address", profile.Address).Str("result", result).Msg("Latency probe finished.")

	if p.sink != nil {
		p.sink.OnOutcome(types.DiagOutcome{
			Index:   index,
			Profile: profile,
			Field:   types.FieldLatency,
			Seq:     seq,
		})
	}
	if p.recorder != nil {
		p.recorder.RecordResult(profile.ID, profile.Remarks, types.KindLatency, result)
	}
}

// formatLatency renders the probe outcome the way the latency cell shows it:
// a successful round trip becomes "<n>ms", a definitively unreachable host
// "Error", and everything else (deadlines included) "Timeout".
func formatLatency(rtt time.Duration, err error) string {
	if err == nil {
		ms := int(math.Round(float64(rtt) / float64(time.Millisecond)))
		return strconv.Itoa(ms) + "ms"
	}
	if errors.Is(err, ErrUnreachable) {
		return "Error"
	}
	return "Timeout"
}
