package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/execution-hub/otrun/internal/domain/run"
)

// promptIntervention asks the operator on the terminal before resuming a
// paused run. Lines entered while no run is paused are discarded.
type promptIntervention struct {
	in    io.Reader
	out   io.Writer
	start sync.Once

	mu     sync.Mutex
	waiter chan error
	err    error
}

func newPromptIntervention(in io.Reader, out io.Writer) *promptIntervention {
	return &promptIntervention{in: in, out: out}
}

func (p *promptIntervention) WaitForResume(ctx context.Context, h run.Handle) error {
	ch := make(chan error, 1)
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return p.err
	}
	p.waiter = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.waiter == ch {
			p.waiter = nil
		}
		p.mu.Unlock()
	}()

	fmt.Fprintf(p.out, "run %s is paused and needs attention; press Enter to resume\n", h.ID)
	p.start.Do(func() { go p.readLines() })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

func (p *promptIntervention) readLines() {
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		p.deliver(nil)
	}
	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	err = fmt.Errorf("read operator input: %w", err)
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.deliver(err)
}

func (p *promptIntervention) deliver(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiter == nil {
		return
	}
	p.waiter <- err
	p.waiter = nil
}
