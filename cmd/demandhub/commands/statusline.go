package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// statusLine redraws one terminal line in place whenever a part changes.
type statusLine struct {
	out io.Writer

	mu      sync.Mutex
	title   string
	display string
	viewers []string
	width   int
}

func (l *statusLine) setTitle(title string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.title = title
	l.drawLocked()
}

func (l *statusLine) setTime(display string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !ok {
		display = "not started"
	}
	l.display = display
	l.drawLocked()
}

func (l *statusLine) setViewers(names []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.viewers = names
	l.drawLocked()
}

func (l *statusLine) drawLocked() {
	if l.display == "" {
		return
	}

	text := fmt.Sprintf("⏱  %s  %s", l.display, l.title)
	if len(l.viewers) > 0 {
		text += "  · also viewing: " + strings.Join(l.viewers, ", ")
	}

	// Blank out what is left of a longer previous line
	pad := ""
	if n := l.width - len(text); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	l.width = len(text)
	fmt.Fprintf(l.out, "\r%s%s", text, pad)
}
