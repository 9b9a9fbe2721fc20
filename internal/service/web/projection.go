package web

import (
	"sync"

	"github.com/rs/zerolog"

	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/types"
)

// RowLocator resolves a profile id to its current table row. The registry
// implements it.
type RowLocator interface {
	Contains(id string) bool
	IndexByID(id string) int
}

// CellBroadcaster pushes cell repaints to connected clients.
type CellBroadcaster interface {
	BroadcastCellUpdate(update *CellUpdate)
}

// Projection translates diagnostic outcomes into table cell updates. A job
// always carries the row it was dispatched for, but rows move and vanish
// while jobs run; the projection re-resolves every outcome by profile id and
// silently drops outcomes for deleted profiles, stale writes superseded by a
// newer sequence, and anything arriving during host shutdown.
type Projection struct {
	rows    RowLocator
	hub     CellBroadcaster
	exiting func() bool

	mu        sync.Mutex
	delivered map[string]uint64

	log zerolog.Logger
}

var _ types.OutcomeSink = (*Projection)(nil)

func NewProjection(rows RowLocator, hub CellBroadcaster, exiting func() bool) *Projection {
	return &Projection{
		rows:      rows,
		hub:       hub,
		exiting:   exiting,
		delivered: make(map[string]uint64),
		log:       logger.WithComponent("projection"),
	}
}

// OnOutcome implements types.OutcomeSink.
func (p *Projection) OnOutcome(out types.DiagOutcome) {
	if p.exiting != nil && p.exiting() {
		return
	}
	id := out.Profile.ID
	if !p.rows.Contains(id) {
		p.forget(id)
		return
	}
	row := p.rows.IndexByID(id)
	if row < 0 {
		return
	}

	key := id + "/" + string(out.Field)
	p.mu.Lock()
	if out.Seq <= p.delivered[key] {
		p.mu.Unlock()
		p.log.Debug().Str("profile_id", id).Uint64("seq", out.Seq).Msg("Dropping stale diagnostic outcome.")
		return
	}
	p.delivered[key] = out.Seq
	p.mu.Unlock()

	p.hub.BroadcastCellUpdate(&CellUpdate{
		Row:   row,
		ID:    id,
		Field: string(out.Field),
		Value: out.Profile.EnsureExtras().Get(string(out.Field)),
	})
}

// forget drops the delivery watermarks of a removed profile.
func (p *Projection) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.delivered, id+"/"+string(types.FieldLatency))
	delete(p.delivered, id+"/"+string(types.FieldSpeed))
}
