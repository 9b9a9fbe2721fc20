package registry

import (
	"sort"
	"strconv"
	"strings"

	"proxydeck/internal/shared/types"
)

// SortColumn identifies a sortable table column.
type SortColumn int

const (
	ColumnRemarks SortColumn = iota
	ColumnType
	ColumnAddress
	ColumnPort
	ColumnSecurity
	ColumnSubscription
	ColumnLatency
	ColumnSpeed
)

// ParseColumn maps a wire column name onto its SortColumn.
func ParseColumn(name string) (SortColumn, bool) {
	switch strings.ToLower(name) {
	case "remarks":
		return ColumnRemarks, true
	case "type", "protocol":
		return ColumnType, true
	case "address":
		return ColumnAddress, true
	case "port":
		return ColumnPort, true
	case "security":
		return ColumnSecurity, true
	case "subscription":
		return ColumnSubscription, true
	case "latency":
		return ColumnLatency, true
	case "speed":
		return ColumnSpeed, true
	default:
		return 0, false
	}
}

// columnLess returns the ascending comparison for one column. Text columns
// compare their display strings; Port compares numerically and Speed parses
// the leading number out of "12.34 M/s" cells (empty cells sort first).
func columnLess(column SortColumn) func(a, b *types.ServerProfile) bool {
	switch column {
	case ColumnPort:
		return func(a, b *types.ServerProfile) bool { return a.Port < b.Port }
	case ColumnSpeed:
		return func(a, b *types.ServerProfile) bool {
			return speedValue(a) < speedValue(b)
		}
	default:
		key := columnKey(column)
		return func(a, b *types.ServerProfile) bool { return key(a) < key(b) }
	}
}

func columnKey(column SortColumn) func(p *types.ServerProfile) string {
	switch column {
	case ColumnRemarks:
		return func(p *types.ServerProfile) string { return p.Remarks }
	case ColumnType:
		return func(p *types.ServerProfile) string { return p.Type }
	case ColumnAddress:
		return func(p *types.ServerProfile) string { return p.Address }
	case ColumnSecurity:
		return func(p *types.ServerProfile) string { return p.Security }
	case ColumnSubscription:
		return func(p *types.ServerProfile) string { return p.SubsID }
	case ColumnLatency:
		return func(p *types.ServerProfile) string {
			return p.EnsureExtras().Get(string(types.FieldLatency))
		}
	default:
		return func(p *types.ServerProfile) string { return "" }
	}
}

func speedValue(p *types.ServerProfile) float64 {
	cell := p.EnsureExtras().Get(string(types.FieldSpeed))
	numeric, _, found := strings.Cut(cell, " ")
	if !found {
		return -1
	}
	v, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return -1
	}
	return v
}

// SortByColumn reorders the list by one column in the given direction.
func (r *Registry) SortByColumn(column SortColumn, descending bool) {
	less := columnLess(column)
	if descending {
		asc := less
		less = func(a, b *types.ServerProfile) bool { return asc(b, a) }
	}
	r.SortFunc(less)
}

// ToggleSort sorts by a column, flipping the direction on repeated calls for
// the same column. The first call sorts ascending. Returns the applied
// direction.
func (r *Registry) ToggleSort(column SortColumn) (descending bool) {
	r.mu.Lock()
	desc, seen := r.sortOrder[column]
	if seen {
		desc = !desc
	}
	r.sortOrder[column] = desc
	r.mu.Unlock()

	r.SortByColumn(column, desc)
	return desc
}

// SortFunc applies a stable sort with a caller-supplied order; ties keep
// their prior relative order. The activated profile is re-located by ID
// afterwards so activation follows the row wherever it lands.
func (r *Registry) SortFunc(less func(a, b *types.ServerProfile) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var activatedID string
	if r.activated >= 0 && r.activated < len(r.items) {
		activatedID = r.items[r.activated].ID
	}

	sort.SliceStable(r.items, func(i, j int) bool {
		return less(r.items[i], r.items[j])
	})

	if activatedID != "" {
		index := r.indexByIDLocked(activatedID)
		if index < 0 {
			r.log.Error().Str("id", activatedID).Msg("Activated profile lost during sort.")
		}
		r.setActivatedLocked(index)
	}

	r.persistLocked()
}
