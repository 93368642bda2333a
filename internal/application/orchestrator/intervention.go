package orchestrator

import (
	"context"

	"github.com/execution-hub/otrun/internal/domain/run"
)

// ResumeSignal is an Intervention released by calling Resume.
type ResumeSignal struct {
	ch chan struct{}
}

// NewResumeSignal creates a signal with no pending resume.
func NewResumeSignal() *ResumeSignal {
	return &ResumeSignal{ch: make(chan struct{}, 1)}
}

// Resume releases the next WaitForResume. It reports false when a resume
// is already pending.
func (s *ResumeSignal) Resume() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// WaitForResume blocks until Resume is called or ctx is done.
func (s *ResumeSignal) WaitForResume(ctx context.Context, _ run.Handle) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ch:
		return nil
	}
}

// AutoResume resumes paused runs immediately.
type AutoResume struct{}

func (AutoResume) WaitForResume(ctx context.Context, _ run.Handle) error {
	return ctx.Err()
}
