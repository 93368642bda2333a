package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/otrun/internal/application/orchestrator"
	"github.com/execution-hub/otrun/internal/domain/run"
	"github.com/execution-hub/otrun/internal/domain/sequence"
)

// RobotFactory builds a robot client for a base URL.
type RobotFactory func(baseURL string) (orchestrator.Robot, error)

// SensorFactory builds a sensor reader for a feedback sensor URL.
type SensorFactory func(url string) orchestrator.SensorReader

// Config holds service defaults.
type Config struct {
	DefaultRobotURL string
	Orchestrator    orchestrator.Config
}

// Service runs sequence definitions in the background, one sequence per
// robot at a time.
type Service struct {
	repo      sequence.Repository
	publisher sequence.EventPublisher
	newRobot  RobotFactory
	newSensor SensorFactory
	cfg       Config
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*execution
	robots map[string]uuid.UUID
	wg     sync.WaitGroup
}

// NewService creates a sequence service. publisher and newSensor may be nil.
func NewService(
	repo sequence.Repository,
	publisher sequence.EventPublisher,
	newRobot RobotFactory,
	newSensor SensorFactory,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		newRobot:  newRobot,
		newSensor: newSensor,
		cfg:       cfg,
		logger:    logger.With().Str("service", "sequence").Logger(),
		active:    make(map[uuid.UUID]*execution),
		robots:    make(map[string]uuid.UUID),
	}
}

// Start validates def, persists a pending record and runs it in the
// background. It returns run.ErrRobotBusy when another sequence is active on
// the same robot and sequence.ErrInvalidDefinition for unusable input.
func (s *Service) Start(ctx context.Context, def *sequence.Definition) (*sequence.Record, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition is required", sequence.ErrInvalidDefinition)
	}
	if err := sequence.ValidateDefinition(def); err != nil {
		return nil, fmt.Errorf("%w: %v", sequence.ErrInvalidDefinition, err)
	}
	robotURL := strings.TrimRight(strings.TrimSpace(def.RobotURL), "/")
	if robotURL == "" {
		robotURL = strings.TrimRight(s.cfg.DefaultRobotURL, "/")
	}
	if robotURL == "" {
		return nil, fmt.Errorf("%w: robot_url is required", sequence.ErrInvalidDefinition)
	}

	hook, err := s.feedbackHook(def.Feedback)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sequence.ErrInvalidDefinition, err)
	}
	robot, err := s.newRobot(robotURL)
	if err != nil {
		return nil, fmt.Errorf("%w: robot_url: %v", sequence.ErrInvalidDefinition, err)
	}

	record, err := sequence.NewRecord(def, robotURL)
	if err != nil {
		closeRobot(robot)
		return nil, err
	}
	if err := s.reserve(robotURL, record.SequenceID); err != nil {
		closeRobot(robot)
		return nil, err
	}
	if err := s.repo.Create(ctx, record); err != nil {
		s.release(robotURL, record.SequenceID)
		closeRobot(robot)
		return nil, fmt.Errorf("persist sequence: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	exec := &execution{
		svc:    s,
		record: record,
		cancel: cancel,
		resume: orchestrator.NewResumeSignal(),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.active[record.SequenceID] = exec
	s.mu.Unlock()

	snapshot := exec.snapshot()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer closeRobot(robot)
		s.execute(runCtx, exec, robot, def.WorkItems(), hook)
	}()

	s.logger.Info().
		Str("sequence_id", record.SequenceID.String()).
		Str("robot_url", robotURL).
		Int("items", len(def.Items)).
		Msg("sequence accepted")
	return snapshot, nil
}

// Get retrieves a sequence record by ID.
func (s *Service) Get(ctx context.Context, sequenceID uuid.UUID) (*sequence.Record, error) {
	if exec := s.lookup(sequenceID); exec != nil {
		return exec.snapshot(), nil
	}
	r, err := s.repo.GetByID(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, sequence.ErrNotFound
	}
	return r, nil
}

// List lists sequence records, newest first.
func (s *Service) List(ctx context.Context, status *sequence.Status, limit, offset int) ([]*sequence.Record, error) {
	return s.repo.List(ctx, status, limit, offset)
}

// Resume releases a run paused for intervention.
func (s *Service) Resume(ctx context.Context, sequenceID uuid.UUID) error {
	exec := s.lookup(sequenceID)
	if exec == nil {
		return s.inactiveError(ctx, sequenceID)
	}
	exec.mu.Lock()
	paused := exec.paused
	exec.paused = false
	exec.mu.Unlock()
	if !paused {
		return sequence.ErrNotPaused
	}
	exec.resume.Resume()
	s.logger.Info().Str("sequence_id", sequenceID.String()).Msg("resume requested")
	return nil
}

// Cancel stops the sequence after the current item. The in-flight run is
// left on the robot.
func (s *Service) Cancel(ctx context.Context, sequenceID uuid.UUID) error {
	exec := s.lookup(sequenceID)
	if exec == nil {
		return s.inactiveError(ctx, sequenceID)
	}
	exec.mu.Lock()
	exec.cancelled = true
	exec.mu.Unlock()
	exec.cancel()
	s.logger.Info().Str("sequence_id", sequenceID.String()).Msg("cancel requested")
	return nil
}

// Wait blocks until the sequence finishes and returns its final record. A
// stored record that never finished belongs to an earlier process and is
// reported as sequence.ErrNotActive.
func (s *Service) Wait(ctx context.Context, sequenceID uuid.UUID) (*sequence.Record, error) {
	if exec := s.lookup(sequenceID); exec != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-exec.done:
			return exec.snapshot(), nil
		}
	}
	r, err := s.Get(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if !r.IsFinished() {
		return nil, fmt.Errorf("%w: sequence %s was left %s by an earlier process", sequence.ErrNotActive, sequenceID, r.Status)
	}
	return r, nil
}

// Shutdown cancels every active sequence and waits for them to settle.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, exec := range s.active {
		exec.mu.Lock()
		exec.cancelled = true
		exec.mu.Unlock()
		exec.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Service) execute(ctx context.Context, exec *execution, robot orchestrator.Robot, items []sequence.WorkItem, hook orchestrator.FeedbackHook) {
	logger := s.logger.With().Str("sequence_id", exec.record.SequenceID.String()).Logger()
	defer close(exec.done)
	defer func() {
		s.mu.Lock()
		delete(s.active, exec.record.SequenceID)
		s.mu.Unlock()
		s.release(exec.record.RobotURL, exec.record.SequenceID)
	}()

	exec.update(func(r *sequence.Record) error { return r.Start() })
	exec.publish(sequence.NewEvent(sequence.EventSequenceStarted, exec.record.SequenceID))

	orch := orchestrator.NewOrchestrator(robot, s.cfg.Orchestrator, logger,
		orchestrator.WithObserver(exec),
		orchestrator.WithIntervention(exec.resume),
	)
	_, err := orch.RunSequence(ctx, items, hook)

	exec.mu.Lock()
	cancelled := exec.cancelled
	exec.mu.Unlock()
	exec.update(func(r *sequence.Record) error {
		switch {
		case err == nil:
			return r.Succeed()
		case cancelled && errors.Is(err, context.Canceled):
			return r.Cancel("cancelled by operator")
		default:
			var seqErr *run.SequenceError
			if errors.As(err, &seqErr) {
				idx := seqErr.Index
				return r.Fail(&idx, err)
			}
			return r.Fail(nil, err)
		}
	})

	final := exec.snapshot()
	event := sequence.NewEvent(sequence.EventSequenceFinished, final.SequenceID)
	event.Status = final.Status
	event.Error = final.Error
	exec.publish(event)
	logger.Info().Str("status", string(final.Status)).Msg("sequence finished")
}

func (s *Service) feedbackHook(fb *sequence.Feedback) (orchestrator.FeedbackHook, error) {
	if fb == nil || len(fb.Adjust) == 0 {
		return nil, nil
	}
	var reader orchestrator.SensorReader
	if fb.SensorURL != "" && s.newSensor != nil {
		reader = s.newSensor(fb.SensorURL)
	}
	hook, err := orchestrator.NewExpressionHook(fb, reader, s.logger)
	if err != nil {
		return nil, err
	}
	return hook.Hook(), nil
}

func (s *Service) reserve(robotURL string, sequenceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.robots[robotURL]; ok {
		return fmt.Errorf("%w: %s is running sequence %s", run.ErrRobotBusy, robotURL, owner)
	}
	s.robots[robotURL] = sequenceID
	return nil
}

func (s *Service) release(robotURL string, sequenceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.robots[robotURL] == sequenceID {
		delete(s.robots, robotURL)
	}
}

func (s *Service) lookup(sequenceID uuid.UUID) *execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[sequenceID]
}

func (s *Service) inactiveError(ctx context.Context, sequenceID uuid.UUID) error {
	r, err := s.repo.GetByID(ctx, sequenceID)
	if err != nil {
		return err
	}
	if r == nil {
		return sequence.ErrNotFound
	}
	return sequence.ErrNotActive
}

func closeRobot(robot orchestrator.Robot) {
	if c, ok := robot.(interface{ Close() }); ok {
		c.Close()
	}
}

// execution is the in-memory state of a running sequence. It observes the
// orchestrator and mirrors progress into the record and the event stream.
type execution struct {
	svc    *Service
	cancel context.CancelFunc
	resume *orchestrator.ResumeSignal
	done   chan struct{}

	mu        sync.Mutex
	record    *sequence.Record
	paused    bool
	cancelled bool
}

func (e *execution) snapshot() *sequence.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := *e.record
	c.Items = make([]sequence.ItemRecord, len(e.record.Items))
	copy(c.Items, e.record.Items)
	return &c
}

// update applies fn to the record and persists it. Persistence failures are
// logged; the run on the robot is the source of truth.
func (e *execution) update(fn func(r *sequence.Record) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.record); err != nil {
		e.svc.logger.Warn().Err(err).Str("sequence_id", e.record.SequenceID.String()).Msg("record update rejected")
		return
	}
	e.record.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.svc.repo.Update(ctx, e.record); err != nil {
		e.svc.logger.Error().Err(err).Str("sequence_id", e.record.SequenceID.String()).Msg("failed to persist sequence record")
	}
}

func (e *execution) updateItem(index int, fn func(item *sequence.ItemRecord)) {
	e.update(func(r *sequence.Record) error {
		item := r.Item(index)
		if item == nil {
			return fmt.Errorf("item %d out of range", index)
		}
		fn(item)
		return nil
	})
}

func (e *execution) publish(event *sequence.Event) {
	if e.svc.publisher != nil {
		e.svc.publisher.Publish(event)
	}
}

func (e *execution) ItemSubmitted(index int, item sequence.WorkItem, protocol run.ProtocolHandle) {
	now := time.Now().UTC()
	e.updateItem(index, func(ir *sequence.ItemRecord) {
		ir.Params = item.Clone().Params
		ir.ProtocolID = protocol.ID
		ir.StartedAt = &now
	})
	event := sequence.NewEvent(sequence.EventItemSubmitted, e.record.SequenceID).ForItem(index, item.Label(index))
	event.ProtocolID = protocol.ID
	e.publish(event)
}

func (e *execution) ItemStarted(index int, h run.Handle) {
	e.updateItem(index, func(ir *sequence.ItemRecord) {
		ir.RunID = h.ID
		ir.Status = run.StatusQueued
	})
	event := sequence.NewEvent(sequence.EventItemStarted, e.record.SequenceID).ForItem(index, e.itemName(index))
	event.ProtocolID = h.ProtocolID
	event.RunID = h.ID
	e.publish(event)
}

func (e *execution) ItemStatus(index int, state run.State) {
	e.mu.Lock()
	e.paused = state.Status == run.StatusPausedForIntervention
	e.mu.Unlock()
	e.updateItem(index, func(ir *sequence.ItemRecord) {
		ir.Status = state.Status
	})
	event := sequence.NewEvent(sequence.EventItemStatus, e.record.SequenceID).ForItem(index, e.itemName(index))
	event.RunID = state.RunID
	event.RunStatus = state.Status
	e.publish(event)
}

func (e *execution) ItemFinished(index int, outcome orchestrator.ItemOutcome, err error) {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	now := time.Now().UTC()
	e.updateItem(index, func(ir *sequence.ItemRecord) {
		if outcome.Status != "" {
			ir.Status = outcome.Status
		}
		if ir.RunID == "" {
			ir.RunID = outcome.Run.ID
		}
		if err != nil {
			ir.Error = err.Error()
			var failed *run.RunFailedError
			if errors.As(err, &failed) && len(failed.Payload) > 0 {
				ir.ErrorPayload = failed.Payload
			}
		}
		ir.FinishedAt = &now
	})
	event := sequence.NewEvent(sequence.EventItemFinished, e.record.SequenceID).ForItem(index, e.itemName(index))
	event.RunID = outcome.Run.ID
	event.RunStatus = outcome.Status
	if err != nil {
		event.Error = err.Error()
	}
	e.publish(event)
}

func (e *execution) itemName(index int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if item := e.record.Item(index); item != nil {
		return item.Name
	}
	return ""
}
