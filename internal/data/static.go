package data

import (
	"context"
	"sort"
	"time"

	"basis-engine/pkg/types"
)

// StaticProvider serves a fixed in-memory snapshot series. Used by tests and
// by embedders that assemble their own data programmatically.
type StaticProvider struct {
	series map[time.Time]*Snapshot
	order  []time.Time
}

// NewStaticProvider builds a provider from a snapshot list. Timestamps are
// taken from the snapshots and sorted; duplicate timestamps keep the last
// snapshot given.
func NewStaticProvider(snapshots ...*Snapshot) *StaticProvider {
	series := make(map[time.Time]*Snapshot, len(snapshots))
	for _, s := range snapshots {
		series[s.Timestamp] = s
	}
	order := make([]time.Time, 0, len(series))
	for t := range series {
		order = append(order, t)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Before(order[j]) })
	return &StaticProvider{series: series, order: order}
}

// Timestamps returns the series in ascending order.
func (p *StaticProvider) Timestamps(ctx context.Context) ([]time.Time, error) {
	out := make([]time.Time, len(p.order))
	copy(out, p.order)
	return out, nil
}

// Snapshot returns the snapshot at exactly t. The engine only asks for
// timestamps the series itself produced, so a miss is a data error.
func (p *StaticProvider) Snapshot(ctx context.Context, t time.Time) (*Snapshot, error) {
	if s, ok := p.series[t]; ok {
		return s, nil
	}
	return nil, types.Codedf(types.CodeDataMissingField,
		"no snapshot at %s", t.Format(time.RFC3339))
}
