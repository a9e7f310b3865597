// Package watch streams demand activity for a team as it happens.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/demandhub/internal/changefeed"
	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/pkg/realtime"
)

// OutputFormat selects how activity is written.
type OutputFormat string

const (
	// OutputFormatDefault is one human-readable line per change
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is one JSON object per change
	OutputFormatJSON OutputFormat = "json"
)

type formatter interface {
	FormatChange(change *realtime.RowChange) error
}

func newFormatter(format OutputFormat, w io.Writer) (formatter, error) {
	switch format {
	case OutputFormatDefault, "":
		return &defaultFormatter{writer: w}, nil
	case OutputFormatJSON:
		return &jsonFormatter{writer: w}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s", format)
	}
}

// StreamActivity writes every demand change of teamID to w until ctx is
// cancelled or the subscription fails. Cancellation is not an error.
func StreamActivity(ctx context.Context, feed *changefeed.Feed, teamID string, format OutputFormat, w io.Writer) error {
	f, err := newFormatter(format, w)
	if err != nil {
		return err
	}

	failed := make(chan error, 1)
	onStatus := func(status realtime.Status, err error) {
		switch status {
		case realtime.StatusError:
			select {
			case failed <- err:
			default:
			}
		case realtime.StatusClosed:
			select {
			case failed <- nil:
			default:
			}
		}
	}

	spec := changefeed.Spec{
		Table:  demand.Table,
		Filter: changefeed.Filter{Column: "team_id", Value: teamID},
	}
	sub, err := feed.Subscribe(ctx, spec, func(ev changefeed.Event) {
		if err := f.FormatChange(ev.Change); err != nil {
			select {
			case failed <- err:
			default:
			}
		}
	}, onStatus)
	if err != nil {
		return fmt.Errorf("failed to subscribe to demand changes: %w", err)
	}
	defer sub.Close()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return fmt.Errorf("demand change subscription closed unexpectedly")
		}
		return fmt.Errorf("demand activity stream failed: %w", err)
	}
}

type defaultFormatter struct {
	writer io.Writer
}

func (f *defaultFormatter) FormatChange(change *realtime.RowChange) error {
	var label string
	switch change.Kind {
	case realtime.ChangeInsert:
		label = "✨ Demand created"
	case realtime.ChangeUpdate:
		label = "✏️  Demand updated"
	case realtime.ChangeDelete:
		label = "🗑️  Demand deleted"
	default:
		label = fmt.Sprintf("❓ %s", change.Kind)
	}

	id := change.RowID
	if len(id) > 8 {
		id = id[:8]
	}

	_, err := fmt.Fprintf(f.writer, "[%s] %s id=%s%s\n",
		formatTime(change.CommittedAtMs), label, id, formatColumns(change.Columns))
	return err
}

// formatColumns renders the non-empty columns other than id as key=value
// pairs in a stable order.
func formatColumns(columns map[string]string) string {
	names := make([]string, 0, len(columns))
	for name, value := range columns {
		if name == "id" || value == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%s", strings.TrimSuffix(name, "_id"), columns[name])
	}
	return b.String()
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "--:--:--"
	}
	return time.UnixMilli(ms).UTC().Format("15:04:05")
}

type jsonFormatter struct {
	writer io.Writer
}

type jsonEvent struct {
	Event         string            `json:"event"`
	DemandID      string            `json:"demand_id"`
	Columns       map[string]string `json:"columns,omitempty"`
	CommittedAtMs int64             `json:"committed_at_ms"`
}

func (f *jsonFormatter) FormatChange(change *realtime.RowChange) error {
	data, err := json.Marshal(jsonEvent{
		Event:         "demand_" + strings.ToLower(string(change.Kind)),
		DemandID:      change.RowID,
		Columns:       change.Columns,
		CommittedAtMs: change.CommittedAtMs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}
