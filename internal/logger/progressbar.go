package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ProgressBar renders an ASCII progress bar for batch runs. Workers bump it
// concurrently through Increment, so all accessors are mutex-guarded.
type ProgressBar struct {
	current     int
	total       int
	width       int
	enableColor bool
	label       string
	mu          sync.RWMutex
}

// NewProgressBar creates a progress bar with the given total and width.
func NewProgressBar(total, width int, enableColor bool) *ProgressBar {
	if width < 1 {
		width = 20
	}
	return &ProgressBar{
		total:       total,
		width:       width,
		enableColor: enableColor,
	}
}

// Update sets the current progress value.
func (pb *ProgressBar) Update(current int) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current = current
}

// Increment bumps the current progress by 1.
func (pb *ProgressBar) Increment() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current++
}

// Current returns the current progress value.
func (pb *ProgressBar) Current() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.current
}

// Total returns the total progress value.
func (pb *ProgressBar) Total() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.total
}

// Percentage returns the progress percentage, clamped to 0-100.
func (pb *ProgressBar) Percentage() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.percentageLocked()
}

func (pb *ProgressBar) percentageLocked() int {
	if pb.total == 0 {
		return 0
	}
	perc := (pb.current * 100) / pb.total
	if perc > 100 {
		return 100
	}
	if perc < 0 {
		return 0
	}
	return perc
}

// SetLabel sets a label rendered before the bar.
func (pb *ProgressBar) SetLabel(label string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.label = label
}

// Render generates the progress bar string, e.g. "[=====>    ] 12/20 (60%)".
func (pb *ProgressBar) Render() string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	perc := pb.percentageLocked()
	filled := (perc * pb.width) / 100
	if filled > pb.width {
		filled = pb.width
	}
	if filled < 0 {
		filled = 0
	}

	var bar strings.Builder
	bar.WriteByte('[')
	for i := 0; i < pb.width; i++ {
		switch {
		case i < filled:
			bar.WriteByte('=')
		case i == filled && perc > 0 && perc < 100:
			bar.WriteByte('>')
		default:
			bar.WriteByte(' ')
		}
	}
	bar.WriteByte(']')

	prefix := pb.label
	if prefix != "" {
		prefix += " "
	}
	result := fmt.Sprintf("%s%s %d/%d (%d%%)", prefix, bar.String(), pb.current, pb.total, perc)

	if pb.enableColor {
		if perc < 100 {
			return color.New(color.FgCyan).Sprint(result)
		}
		return color.New(color.FgGreen).Sprint(result)
	}
	return result
}
