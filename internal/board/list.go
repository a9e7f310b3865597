package board

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/demandhub/internal/cache"
	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/internal/store"
)

// OutputFormat specifies how to format list output.
type OutputFormat string

const (
	// OutputFormatDefault is a table with a live timer column.
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete demands as line-delimited JSON.
	OutputFormatJSONL OutputFormat = "jsonl"
)

// FilterCriteria narrows a listing. All filters are ANDed together.
type FilterCriteria struct {
	Status      demand.Status // empty = no filter
	BoardID     string        // empty = no filter
	AssigneeID  string        // empty = no filter
	RunningOnly bool

	SinceTimestampMs int64 // created at or after, 0 = no filter
	UntilTimestampMs int64 // created at or before, 0 = no filter
}

func (fc *FilterCriteria) matches(d *demand.Demand) bool {
	if fc.Status != "" && d.Status != fc.Status {
		return false
	}
	if fc.BoardID != "" && d.BoardID != fc.BoardID {
		return false
	}
	if fc.AssigneeID != "" && d.AssigneeID != fc.AssigneeID {
		return false
	}
	if fc.RunningOnly && !d.Timer.Running() {
		return false
	}
	if fc.SinceTimestampMs > 0 && d.CreatedAtMs < fc.SinceTimestampMs {
		return false
	}
	if fc.UntilTimestampMs > 0 && d.CreatedAtMs > fc.UntilTimestampMs {
		return false
	}
	return true
}

// Reader is the cache surface a listing reads through.
type Reader interface {
	Read(ctx context.Context, key cache.Key) (cache.View, error)
}

// ListDemands reads the team's demands through the cache, applies filters and
// writes them in the requested format. Timers are rendered at now.
func ListDemands(ctx context.Context, r Reader, teamID string, format OutputFormat, filters *FilterCriteria, now time.Time, w io.Writer) error {
	key := cache.TeamDemandsKey(teamID)
	if filters != nil && filters.BoardID != "" {
		key = cache.BoardDemandsKey(filters.BoardID)
	}

	view, err := r.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load demands: %w", err)
	}

	all, ok := view.Data.([]*demand.Demand)
	if !ok {
		return fmt.Errorf("unexpected cache entry type %T for %s", view.Data, view.Key)
	}

	var demands []*demand.Demand
	for _, d := range all {
		if d.TeamID != teamID {
			continue
		}
		if filters != nil && !filters.matches(d) {
			continue
		}
		demands = append(demands, d)
	}

	switch format {
	case OutputFormatDefault, "":
		FormatTable(w, demands, teamID, now)
	case OutputFormatJSONL:
		if err := FormatJSONL(w, demands); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}

// RegisterFetchers binds the demand tags to the store so the cache can fetch
// single demands and team or board lists.
func RegisterFetchers(c *cache.Cache, s *store.Store) {
	c.Register(cache.TagDemand, func(ctx context.Context, key cache.Key) (any, error) {
		return s.Get(ctx, key.ID)
	})

	c.Register(cache.TagDemandsList, func(ctx context.Context, key cache.Key) (any, error) {
		if board := key.Param("board_id"); board != "" {
			return s.ListByBoard(ctx, board)
		}
		if team := key.Param("team_id"); team != "" {
			return s.ListByTeam(ctx, team)
		}
		return nil, fmt.Errorf("%s: team_id or board_id is required", key)
	})
}
