package board

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/demandhub/internal/cache"
	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/internal/store"
)

// GetDemand reads a single demand through the cache and writes it as
// pretty-printed JSON.
func GetDemand(ctx context.Context, r Reader, demandID string, w io.Writer) error {
	view, err := r.Read(ctx, cache.DemandKey(demandID))
	if err != nil {
		if store.IsNotFound(err) {
			return &DemandNotFoundError{DemandID: demandID}
		}
		return fmt.Errorf("failed to fetch demand: %w", err)
	}

	d, ok := view.Data.(*demand.Demand)
	if !ok {
		return fmt.Errorf("unexpected cache entry type %T for %s", view.Data, view.Key)
	}

	if err := FormatSingleJSON(w, d); err != nil {
		return fmt.Errorf("failed to format demand: %w", err)
	}
	return nil
}

// DemandNotFoundError lets callers tell a missing demand from other failures.
type DemandNotFoundError struct {
	DemandID string
}

func (e *DemandNotFoundError) Error() string {
	return fmt.Sprintf("demand with ID '%s' not found", e.DemandID)
}

// IsNotFound returns true if the error is a DemandNotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*DemandNotFoundError)
	return ok
}
