package changefeed

import (
	"context"

	"github.com/dyluth/demandhub/internal/cache"
	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/pkg/realtime"
)

// Invalidator is the part of the cache the feed drives.
type Invalidator interface {
	Invalidate(key cache.Key) <-chan error
	Remove(key cache.Key)
}

// InvalidateOn returns an EventFunc that invalidates the keys keysFor
// derives from each event.
func InvalidateOn(c Invalidator, keysFor func(Event) []cache.Key) EventFunc {
	return func(ev Event) {
		for _, key := range keysFor(ev) {
			c.Invalidate(key)
		}
	}
}

// WatchDemand keeps the cache entry of one demand current. An update
// invalidates the entry; a delete removes it.
func (f *Feed) WatchDemand(ctx context.Context, demandID string, c Invalidator, onStatus realtime.StatusFunc) (*Subscription, error) {
	spec := Spec{
		Table:  demand.Table,
		Filter: Filter{Column: "id", Value: demandID},
		Mask:   MaskAll,
	}

	key := cache.DemandKey(demandID)
	return f.Subscribe(ctx, spec, func(ev Event) {
		if ev.Kind == realtime.ChangeDelete {
			c.Remove(key)
			return
		}
		c.Invalidate(key)
	}, onStatus)
}

// WatchTeam keeps the list entries of a team current: the team list, the
// board list the changed row belongs to, and the row itself.
func (f *Feed) WatchTeam(ctx context.Context, teamID string, c Invalidator, onStatus realtime.StatusFunc) (*Subscription, error) {
	spec := Spec{
		Table:  demand.Table,
		Filter: Filter{Column: "team_id", Value: teamID},
		Mask:   MaskAll,
	}

	return f.Subscribe(ctx, spec, func(ev Event) {
		for _, key := range TeamKeys(teamID, ev) {
			c.Invalidate(key)
		}
		if ev.Kind == realtime.ChangeDelete {
			c.Remove(cache.DemandKey(ev.Change.RowID))
		}
	}, onStatus)
}

// TeamKeys returns the list keys affected by a change in a team.
func TeamKeys(teamID string, ev Event) []cache.Key {
	keys := []cache.Key{cache.TeamDemandsKey(teamID)}
	if board := ev.Change.Columns["board_id"]; board != "" {
		keys = append(keys, cache.BoardDemandsKey(board))
	}
	if ev.Kind != realtime.ChangeDelete {
		keys = append(keys, cache.DemandKey(ev.Change.RowID))
	}
	return keys
}
