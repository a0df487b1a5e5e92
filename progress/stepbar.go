package progress

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/ollama/diffusion/format"
)

const defaultBarWidth = 20

// StepBar displays denoising progress for one sampling run. Set may be
// called from the sampling goroutine while the bar is rendered.
type StepBar struct {
	message string

	mu      sync.Mutex
	current int
	total   int
	started time.Time
	stopped time.Time
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total, started: time.Now()}
}

func (s *StepBar) Set(current, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current, s.total = current, total
	if total > 0 && current >= total && s.stopped.IsZero() {
		s.stopped = time.Now()
	}
}

func (s *StepBar) width() int {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || termWidth <= 0 {
		return defaultBarWidth
	}

	// leave room for the message, counters and rate
	return max(min(termWidth-len(s.message)-40, 50), 10)
}

func (s *StepBar) String() string {
	return s.render(s.width())
}

func (s *StepBar) render(width int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ratio float64
	if s.total > 0 {
		ratio = min(float64(s.current)/float64(s.total), 1)
	}

	filled := int(ratio * float64(width))

	elapsed := time.Since(s.started)
	if !s.stopped.IsZero() {
		elapsed = s.stopped.Sub(s.started)
	}

	// "image 1   40% ▕████████            ▏ 8/20 (1.92 steps/s)"
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %3.0f%% ▕%s%s▏ %d/%d", s.message, ratio*100,
		strings.Repeat("█", filled), strings.Repeat(" ", width-filled),
		s.current, s.total)

	if s.current > 0 {
		fmt.Fprintf(&sb, " (%s)", format.Rate(s.current, elapsed, "steps"))
	}

	return sb.String()
}
