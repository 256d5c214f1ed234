package taskqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/splendidbits/pushservices/internal/dispatch"
	"github.com/splendidbits/pushservices/internal/eventbus"
	"github.com/splendidbits/pushservices/internal/models"
	"github.com/splendidbits/pushservices/internal/storage"
	"github.com/splendidbits/pushservices/pkg/logx"
)

// Service runs the delivery pipeline.
//
// It is panic-safe (pipeline goroutines recover), and cooperates with
// shutdown via Start/Stop. Dispatcher callbacks arriving after Stop still
// apply and persist their outcome; only the pipeline loops cease.
type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	disp  dispatch.PlatformDispatcher

	staging    chan *models.Message
	processing chan *models.Message
	stopCh     chan struct{}
	stopDone   chan struct{}
	runCtx     context.Context
	runCancel  context.CancelFunc
	workerWG   sync.WaitGroup
	sweeper    *cron.Cron

	producerLimit *rate.Limiter
	consumerLimit *rate.Limiter

	// trackMu guards exactly the active set and the listener registry.
	// Both are mutated from Submit, the consumer loop, and dispatcher
	// completion goroutines.
	trackMu   sync.Mutex
	active    map[int64]bool
	listeners map[int64]Listener

	dropped uint64
	now     func() time.Time
}

func New(cfg Config, store storage.Store, disp dispatch.PlatformDispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		log:       log.With(logx.String("component", "taskqueue")),
		bus:       bus,
		store:     store,
		disp:      disp,
		active:    map[int64]bool{},
		listeners: map[int64]Listener{},
		now:       time.Now,
	}
}

// Start launches the producer and consumer loops, schedules the recovery
// sweep, and re-adopts persisted pending messages. Calling Start on a
// running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to finish so two pipeline
	// pairs never run at once.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.staging = make(chan *models.Message, s.cfg.QueueSize)
	s.processing = make(chan *models.Message, s.cfg.QueueSize)
	s.producerLimit = rate.NewLimiter(rate.Every(s.cfg.Throttle), 1)
	s.consumerLimit = rate.NewLimiter(rate.Every(s.cfg.Throttle), 1)

	runCtx := s.runCtx
	stopCh := s.stopCh
	staging := s.staging
	processing := s.processing

	s.workerWG.Add(2)
	go func() {
		defer s.workerWG.Done()
		defer s.recoverPanic("producer")
		s.producer(runCtx, stopCh, staging, processing, s.producerLimit)
	}()
	go func() {
		defer s.workerWG.Done()
		defer s.recoverPanic("consumer")
		s.consumer(runCtx, stopCh, processing, s.consumerLimit)
	}()

	s.sweeper = cron.New()
	if _, err := s.sweeper.AddFunc(fmt.Sprintf("@every %s", s.cfg.SweepEvery), func() {
		s.sweep(runCtx)
	}); err != nil {
		s.log.Error("recovery sweep not scheduled", logx.Err(err))
	}
	s.sweeper.Start()

	// Restart recovery: adopt whatever was pending when we last died.
	go s.sweep(runCtx)

	s.log.Info("pipeline started",
		logx.Int("queue_size", s.cfg.QueueSize),
		logx.Duration("throttle", s.cfg.Throttle),
		logx.Duration("sweep_every", s.cfg.SweepEvery))
}

// Stop signals the pipeline loops to exit. In-flight dispatches are not
// cancelled; their callbacks still run and persist.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	sweeper := s.sweeper
	s.runCancel = nil
	s.sweeper = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if sweeper != nil {
		sweeper.Stop()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.staging = nil
		s.processing = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("pipeline stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Apply re-tunes the running pipeline. Queue capacities take effect on
// the next Start; the throttle applies immediately.
func (s *Service) Apply(cfg Config) {
	cfg.normalize()
	s.mu.Lock()
	s.cfg.Throttle = cfg.Throttle
	s.cfg.QueueSize = cfg.QueueSize
	s.cfg.SweepEvery = cfg.SweepEvery
	if s.producerLimit != nil {
		s.producerLimit.SetLimit(rate.Every(cfg.Throttle))
	}
	if s.consumerLimit != nil {
		s.consumerLimit.SetLimit(rate.Every(cfg.Throttle))
	}
	s.mu.Unlock()
}

// Submit validates the task, snapshots it away from the caller, persists
// the whole subtree, and enqueues each message for delivery. The listener
// is registered for every message of the task.
//
// A full staging queue returns ErrQueueFull; the persisted messages are
// then picked up by the next recovery sweep.
func (s *Service) Submit(ctx context.Context, task *models.Task, listener Listener) error {
	if err := models.VerifyTask(task); err != nil {
		return err
	}

	snap := task.Snapshot()
	if err := s.store.SaveTask(ctx, snap); err != nil {
		return fmt.Errorf("taskqueue: persist task: %w", err)
	}
	// Hand the assigned identities back to the caller.
	task.ID = snap.ID

	var firstErr error
	for _, m := range snap.Messages {
		if listener != nil {
			s.register(m.ID, listener)
		}
		if err := s.enqueue(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// enqueue stages a message unless it is already in flight. Non-blocking:
// a full staging queue releases the id again and returns ErrQueueFull.
func (s *Service) enqueue(m *models.Message) error {
	s.mu.Lock()
	q := s.staging
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	s.trackMu.Lock()
	if s.active[m.ID] {
		s.trackMu.Unlock()
		s.log.Debug("message already in flight", logx.Int64("message_id", m.ID))
		return nil
	}
	s.active[m.ID] = true
	s.trackMu.Unlock()

	select {
	case q <- m:
		s.publish(eventbus.TypeMessageQueued, m, "")
		return nil
	default:
		s.deactivate(m.ID)
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("staging queue full, dropping message",
			logx.Int64("message_id", m.ID),
			logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

// Snapshot reports pipeline occupancy for diagnostics.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Throttle: s.cfg.Throttle}
	if s.staging != nil {
		snap.Staged = len(s.staging)
	}
	if s.processing != nil {
		snap.Processing = len(s.processing)
	}
	s.mu.Unlock()

	s.trackMu.Lock()
	snap.Active = len(s.active)
	s.trackMu.Unlock()

	snap.Dropped = atomic.LoadUint64(&s.dropped)
	return snap
}

func (s *Service) register(id int64, l Listener) {
	s.trackMu.Lock()
	if _, ok := s.listeners[id]; !ok {
		s.listeners[id] = l
	}
	s.trackMu.Unlock()
}

func (s *Service) listenerFor(id int64) Listener {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	return s.listeners[id]
}

// deactivate releases the in-flight guard but keeps the listener, so a
// later re-adoption still reports to the original submitter.
func (s *Service) deactivate(id int64) {
	s.trackMu.Lock()
	delete(s.active, id)
	s.trackMu.Unlock()
}

// retire drops all tracking for a finished message.
func (s *Service) retire(id int64) {
	s.trackMu.Lock()
	delete(s.active, id)
	delete(s.listeners, id)
	s.trackMu.Unlock()
}

func (s *Service) publish(eventType string, m *models.Message, failure string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: eventbus.MessageEvent{
		TaskID:     m.TaskID,
		MessageID:  m.ID,
		Recipients: len(m.Recipients),
		Failure:    failure,
	}})
}

func (s *Service) recoverPanic(loop string) {
	if r := recover(); r != nil {
		s.log.Error("panic in pipeline loop",
			logx.String("loop", loop),
			logx.Any("panic", r),
			logx.Stack(string(debug.Stack())))
	}
}
