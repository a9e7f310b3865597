package printer

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrinter(t *testing.T) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var out, errOut bytes.Buffer
	return New(&out, &errOut), &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title only", func(t *testing.T) {
		p, _, errOut := newTestPrinter(t)
		err := p.Error("Test Error", "This is a test error", nil)
		require.Error(t, err)
		assert.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "This is a test error")
		assert.True(t, IsFormatted(fmt.Errorf("wrapped: %w", err)))
		assert.False(t, IsFormatted(errors.New("plain")))
	})

	t.Run("single suggestion is printed bare", func(t *testing.T) {
		p, _, errOut := newTestPrinter(t)
		p.Error("Test Error", "Explanation", []string{"Try this fix"})
		assert.Contains(t, errOut.String(), "\nTry this fix\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		p, _, errOut := newTestPrinter(t)
		p.Error("Test Error", "Explanation", []string{"First option", "Second option"})
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	p, _, errOut := newTestPrinter(t)
	err := p.ErrorWithContext("Test Error", "Explanation", map[string]string{
		"Team":     "team-1",
		"Instance": "dev",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, "Test Error", err.Error())

	out := errOut.String()
	assert.Less(t, strings.Index(out, "Instance: dev"), strings.Index(out, "Team: team-1"), "context is printed in key order")
}

func TestStatusLines(t *testing.T) {
	p, out, _ := newTestPrinter(t)

	p.Success("Timer started\n")
	p.Success("✓ Already prefixed\n")
	p.Warning("Two timers running\n")
	p.Step("Pausing A\n")

	assert.Equal(t, "✓ Timer started\n✓ Already prefixed\n⚠️  Two timers running\n→ Pausing A\n", out.String())
}

func TestToast(t *testing.T) {
	p, out, errOut := newTestPrinter(t)

	p.Toast("Could not start the timer", "connection refused")
	p.Toast("Saved", "")

	assert.Empty(t, out.String())
	assert.Equal(t, "▲ Could not start the timer: connection refused\n▲ Saved\n", errOut.String())
}
