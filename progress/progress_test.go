package progress

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type mockState struct {
	value string
}

func (m *mockState) String() string {
	return m.value
}

// syncBuffer guards a bytes.Buffer shared with the render goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressStop(t *testing.T) {
	var buf syncBuffer
	p := NewProgress(&buf)
	p.Add(&mockState{value: "image 1"})
	p.Add(&mockState{value: "image 2"})

	if !p.Stop() {
		t.Error("first Stop() should return true")
	}

	if p.Stop() {
		t.Error("second Stop() should return false")
	}

	out := buf.String()
	for _, want := range []string{"image 1", "image 2", "\033[?25l", "\033[?25h"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestProgressStopAndClear(t *testing.T) {
	var buf syncBuffer
	p := NewProgress(&buf)
	p.Add(&mockState{value: "encoding"})

	time.Sleep(150 * time.Millisecond)

	if !p.StopAndClear() {
		t.Error("StopAndClear() should return true")
	}

	if !strings.Contains(buf.String(), "\033[2K") {
		t.Errorf("expected clear line sequence, got %q", buf.String())
	}
}

func TestProgressStopBeforeFirstTick(t *testing.T) {
	// stopping right away must not race the render goroutine
	for range 2000 {
		p := NewProgress(io.Discard)
		p.StopAndClear()
	}

	for range 2000 {
		p := NewProgress(io.Discard)
		p.Stop()
	}
}

func TestProgressStopsSpinners(t *testing.T) {
	var buf syncBuffer
	p := NewProgress(&buf)

	s := NewSpinner("encoding prompt")
	p.Add(s)
	p.Stop()

	if !s.stopped.Load() {
		t.Error("spinner should be stopped with the progress")
	}
}

func TestStepBar(t *testing.T) {
	bar := NewStepBar("image 1", 20)

	got := bar.render(20)
	if want := "image 1   0% ▕                    ▏ 0/20"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	time.Sleep(2 * time.Millisecond)
	bar.Set(5, 20)
	got = bar.render(20)
	if !strings.HasPrefix(got, "image 1  25% ▕█████               ▏ 5/20 (") {
		t.Errorf("unexpected render %q", got)
	}

	if !strings.Contains(got, "steps/s") {
		t.Errorf("expected a step rate, got %q", got)
	}

	bar.Set(20, 20)
	if bar.stopped.IsZero() {
		t.Error("bar should record its completion time")
	}

	if got := bar.render(10); !strings.HasPrefix(got, "image 1 100% ▕██████████▏ 20/20") {
		t.Errorf("unexpected render %q", got)
	}
}

func TestSpinner(t *testing.T) {
	s := NewSpinner("encoding prompt")

	if got := s.String(); !strings.HasPrefix(got, "encoding prompt ") {
		t.Errorf("unexpected render %q", got)
	}

	s.SetMessage("waiting for runner")
	if got := s.String(); !strings.HasPrefix(got, "waiting for runner ") {
		t.Errorf("unexpected render %q", got)
	}

	s.Stop()
	s.Stop()

	if got := s.String(); got != "waiting for runner " {
		t.Errorf("stopped spinner should only show its message, got %q", got)
	}
}
