package progress

import (
	"strings"
	"sync/atomic"
	"time"
)

var spinnerParts = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows a message while waiting on the model runner, for example
// when encoding prompts.
type Spinner struct {
	message atomic.Value
	value   atomic.Int32
	stopped atomic.Bool

	started time.Time
	done    chan struct{}
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{started: time.Now(), done: make(chan struct{})}
	s.message.Store(message)
	go s.start()
	return s
}

func (s *Spinner) SetMessage(message string) {
	s.message.Store(message)
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message, ok := s.message.Load().(string); ok && message != "" {
		sb.WriteString(strings.TrimSpace(message))
		sb.WriteString(" ")
	}

	if !s.stopped.Load() {
		sb.WriteString(spinnerParts[s.value.Load()])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) start() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.value.Store((s.value.Load() + 1) % int32(len(spinnerParts)))
		case <-s.done:
			return
		}
	}
}

func (s *Spinner) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.done)
	}
}
