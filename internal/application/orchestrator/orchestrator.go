package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/otrun/internal/domain/run"
	"github.com/execution-hub/otrun/internal/domain/sequence"
	"github.com/execution-hub/otrun/internal/infrastructure/script"
)

// Robot is the control surface of a single robot.
type Robot interface {
	UploadProtocol(ctx context.Context, filename, content string) (run.ProtocolHandle, error)
	CreateRun(ctx context.Context, protocolID string, runtimeParams map[string]interface{}) (run.Handle, error)
	Play(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (run.State, error)
}

// Intervention blocks until an operator resumes a paused run.
type Intervention interface {
	WaitForResume(ctx context.Context, h run.Handle) error
}

// Observer receives progress callbacks from RunSequence.
type Observer interface {
	ItemSubmitted(index int, item sequence.WorkItem, protocol run.ProtocolHandle)
	ItemStarted(index int, h run.Handle)
	ItemStatus(index int, state run.State)
	ItemFinished(index int, outcome ItemOutcome, err error)
}

// FeedbackHook adjusts the next work item before it is submitted. previous
// is empty for the first item. The returned item replaces next for this
// execution only.
type FeedbackHook func(ctx context.Context, previous run.Status, next sequence.WorkItem) (sequence.WorkItem, error)

// Config holds orchestrator defaults.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Retry        RetryPolicy
}

// DefaultConfig returns the defaults used when configuration is absent.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		Timeout:      2 * time.Hour,
		Retry:        DefaultRetryPolicy(),
	}
}

// ItemOutcome is the result of executing one work item.
type ItemOutcome struct {
	Index    int                `json:"index"`
	Item     sequence.WorkItem  `json:"item"`
	Protocol run.ProtocolHandle `json:"protocol"`
	Run      run.Handle         `json:"run"`
	Status   run.Status         `json:"status,omitempty"`
}

// SequenceResult lists the executed items in submission order. On failure
// the last outcome belongs to the failed item.
type SequenceResult struct {
	Outcomes []ItemOutcome `json:"outcomes"`
}

// RunHandles returns the run handles created, in submission order.
func (r *SequenceResult) RunHandles() []run.Handle {
	handles := make([]run.Handle, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Run.ID != "" {
			handles = append(handles, o.Run)
		}
	}
	return handles
}

// Orchestrator executes work items against one robot, strictly one at a time.
type Orchestrator struct {
	robot        Robot
	cfg          Config
	observer     Observer
	intervention Intervention
	logger       zerolog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers progress callbacks.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithIntervention makes paused runs wait for an explicit resume.
func WithIntervention(i Intervention) Option {
	return func(o *Orchestrator) { o.intervention = i }
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(robot Robot, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.Retry = cfg.Retry.normalized()
	o := &Orchestrator{
		robot:  robot,
		cfg:    cfg,
		logger: logger.With().Str("service", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit uploads the item's protocol text and returns the protocol handle.
func (o *Orchestrator) Submit(ctx context.Context, item sequence.WorkItem) (run.ProtocolHandle, error) {
	return o.submit(ctx, 0, item)
}

func (o *Orchestrator) submit(ctx context.Context, index int, item sequence.WorkItem) (run.ProtocolHandle, error) {
	content, err := loadScript(index, item)
	if err != nil {
		return run.ProtocolHandle{}, err
	}
	filename := item.Filename(index)

	var handle run.ProtocolHandle
	attempts, err := o.retry(ctx, "upload protocol", func() error {
		var uerr error
		handle, uerr = o.robot.UploadProtocol(ctx, filename, content)
		return uerr
	})
	if err != nil {
		var malformed *run.MalformedResponseError
		if errors.As(err, &malformed) {
			return run.ProtocolHandle{}, err
		}
		return run.ProtocolHandle{}, &run.UploadError{Attempts: attempts, Err: err}
	}
	o.logger.Info().
		Int("item_index", index).
		Str("filename", filename).
		Str("protocol_id", handle.ID).
		Msg("protocol submitted")
	return handle, nil
}

// Start creates a run bound to protocol and plays it. Only run creation is
// retried: a lost play acknowledgement must not create a second run.
func (o *Orchestrator) Start(ctx context.Context, protocol run.ProtocolHandle, params map[string]interface{}) (run.Handle, error) {
	var handle run.Handle
	attempts, err := o.retry(ctx, "create run", func() error {
		var cerr error
		handle, cerr = o.robot.CreateRun(ctx, protocol.ID, params)
		return cerr
	})
	if err != nil {
		var malformed *run.MalformedResponseError
		if errors.As(err, &malformed) {
			return run.Handle{}, err
		}
		return run.Handle{}, &run.StartError{ProtocolID: protocol.ID, Attempts: attempts, Err: err}
	}
	if handle.ProtocolID == "" {
		handle.ProtocolID = protocol.ID
	}
	if err := o.robot.Play(ctx, handle.ID); err != nil {
		return handle, &run.StartError{ProtocolID: protocol.ID, RunID: handle.ID, Attempts: 1, Err: err}
	}
	o.logger.Info().
		Str("protocol_id", protocol.ID).
		Str("run_id", handle.ID).
		Msg("run started")
	return handle, nil
}

// AwaitCompletion polls the run until it reaches a terminal status or the
// timeout elapses. The timeout is local: the remote run is not stopped.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, h run.Handle, pollInterval, timeout time.Duration) (run.Status, error) {
	return o.awaitCompletion(ctx, h, pollInterval, timeout, nil)
}

func (o *Orchestrator) awaitCompletion(ctx context.Context, h run.Handle, pollInterval, timeout time.Duration, onStatus func(run.State)) (run.Status, error) {
	if pollInterval <= 0 {
		pollInterval = o.cfg.PollInterval
	}
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	deadline := time.Now().Add(timeout)
	var last run.Status
	resumed := false

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timer.C:
		}

		state, err := o.robot.GetRun(ctx, h.ID)
		switch {
		case err != nil && ctx.Err() != nil:
			return last, ctx.Err()
		case err != nil && run.IsNetworkError(err):
			o.logger.Warn().Err(err).Str("run_id", h.ID).Msg("status poll failed; retrying")
		case err != nil:
			return last, err
		default:
			if state.Status != last && onStatus != nil {
				onStatus(state)
			}
			last = state.Status
			if state.Status == run.StatusFailed {
				return state.Status, &run.RunFailedError{RunID: h.ID, Payload: state.Errors}
			}
			if state.Status.IsTerminal() {
				return state.Status, nil
			}
			if state.Status != run.StatusPausedForIntervention {
				resumed = false
			} else if o.intervention != nil && !resumed {
				waited, err := o.awaitIntervention(ctx, h)
				if err != nil {
					return last, err
				}
				deadline = deadline.Add(waited)
				resumed = true
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return last, &run.TimeoutError{RunID: h.ID, Timeout: timeout, LastStatus: last}
		}
		wait := pollInterval
		if wait > remaining {
			wait = remaining
		}
		timer.Reset(wait)
	}
}

// awaitIntervention blocks for the resume signal and replays the run. The
// time spent waiting is returned so it can be excluded from the timeout.
func (o *Orchestrator) awaitIntervention(ctx context.Context, h run.Handle) (time.Duration, error) {
	o.logger.Info().Str("run_id", h.ID).Msg("run paused for intervention; waiting for resume")
	started := time.Now()
	if err := o.intervention.WaitForResume(ctx, h); err != nil {
		return 0, fmt.Errorf("wait for resume of run %s: %w", h.ID, err)
	}
	if err := o.robot.Play(ctx, h.ID); err != nil {
		return 0, fmt.Errorf("resume run %s: %w", h.ID, err)
	}
	o.logger.Info().Str("run_id", h.ID).Msg("run resumed")
	return time.Since(started), nil
}

// RunSequence executes items in order, one at a time. It stops at the first
// error or non-succeeded terminal status and never rolls back earlier runs.
// Cancelling ctx stops further items; an in-flight run keeps going on the
// robot.
func (o *Orchestrator) RunSequence(ctx context.Context, items []sequence.WorkItem, hook FeedbackHook) (*SequenceResult, error) {
	result := &SequenceResult{Outcomes: make([]ItemOutcome, 0, len(items))}
	var previous run.Status

	for i, enqueued := range items {
		name := enqueued.Label(i)
		logger := o.logger.With().Int("item_index", i).Str("item", name).Logger()
		if err := ctx.Err(); err != nil {
			return result, &run.SequenceError{Index: i, Name: name, Err: err}
		}

		item := enqueued.Clone()
		if hook != nil {
			adjusted, err := hook(ctx, previous, item)
			if err != nil {
				return result, o.finishItem(result, ItemOutcome{Index: i, Item: item}, &run.SequenceError{
					Index: i, Name: name, Err: fmt.Errorf("feedback: %w", err),
				})
			}
			item = adjusted
		}
		outcome := ItemOutcome{Index: i, Item: item}

		logger.Info().Interface("params", item.Params).Msg("submitting work item")
		protocol, err := o.submit(ctx, i, item)
		if err != nil {
			return result, o.finishItem(result, outcome, &run.SequenceError{Index: i, Name: name, Err: err})
		}
		outcome.Protocol = protocol
		if o.observer != nil {
			o.observer.ItemSubmitted(i, item, protocol)
		}

		handle, err := o.Start(ctx, protocol, item.RuntimeParameters)
		outcome.Run = handle
		if err != nil {
			return result, o.finishItem(result, outcome, &run.SequenceError{Index: i, Name: name, Err: err})
		}
		if o.observer != nil {
			o.observer.ItemStarted(i, handle)
		}

		var onStatus func(run.State)
		if o.observer != nil {
			onStatus = func(state run.State) { o.observer.ItemStatus(i, state) }
		}
		status, err := o.awaitCompletion(ctx, handle, item.PollInterval.Std(), item.Timeout.Std(), onStatus)
		outcome.Status = status
		if err != nil {
			seqErr := &run.SequenceError{Index: i, Name: name, Err: err}
			if status.IsTerminal() {
				seqErr.Status = status
			}
			return result, o.finishItem(result, outcome, seqErr)
		}
		if status != run.StatusSucceeded {
			return result, o.finishItem(result, outcome, &run.SequenceError{Index: i, Name: name, Status: status, Err: run.ErrRunStopped})
		}

		o.finishItem(result, outcome, nil)
		logger.Info().Str("run_id", handle.ID).Str("status", string(status)).Msg("work item succeeded")
		previous = status
	}
	return result, nil
}

func (o *Orchestrator) finishItem(result *SequenceResult, outcome ItemOutcome, err error) error {
	result.Outcomes = append(result.Outcomes, outcome)
	if err != nil {
		o.logger.Error().Err(err).
			Int("item_index", outcome.Index).
			Str("run_id", outcome.Run.ID).
			Str("status", string(outcome.Status)).
			Msg("sequence halted")
	}
	if o.observer != nil {
		o.observer.ItemFinished(outcome.Index, outcome, err)
	}
	return err
}

func loadScript(index int, item sequence.WorkItem) (string, error) {
	switch {
	case item.Script != "":
		return script.ReadFile(item.Script)
	case item.Template != "":
		return script.RenderFile(item.Template, item.Params)
	case item.TemplateText != "":
		return script.Render(item.Label(index), item.TemplateText, item.Params)
	case item.Content != "":
		return item.Content, nil
	}
	return "", fmt.Errorf("item %d has no script", index)
}
