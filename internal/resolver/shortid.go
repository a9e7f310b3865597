package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/internal/store"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// maxListed caps how many candidates an ambiguity message lists.
const maxListed = 10

// Lookup is the store surface the resolver needs. *store.Store implements it.
type Lookup interface {
	Get(ctx context.Context, demandID string) (*demand.Demand, error)
	ScanIDs(ctx context.Context, prefix string) ([]string, error)
}

// ResolveDemandID turns a full id or a unique prefix of at least
// MinShortIDLength characters into a full demand id.
func ResolveDemandID(ctx context.Context, lookup Lookup, shortID string) (string, error) {
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		if _, err := lookup.Get(ctx, shortID); err != nil {
			if store.IsNotFound(err) {
				return "", &NotFoundError{ShortID: shortID}
			}
			return "", fmt.Errorf("failed to verify demand existence: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := lookup.ScanIDs(ctx, strings.ToLower(shortID))
	if err != nil {
		return "", fmt.Errorf("failed to search for demand: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no demand matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no demands found matching '%s'", e.ShortID)
}

// AmbiguousError indicates several demands matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d demands", e.ShortID, len(e.Matches))
}

// Describe lists the candidates (at most ten) and asks for a longer prefix.
func (e *AmbiguousError) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "'%s' matches %d demands:\n", e.ShortID, len(e.Matches))

	for i, id := range e.Matches {
		if i == maxListed {
			fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-maxListed)
			break
		}
		fmt.Fprintf(&b, "  %s\n", id)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the demand.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	var amb *AmbiguousError
	return errors.As(err, &amb)
}
