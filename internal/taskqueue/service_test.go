package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splendidbits/pushservices/internal/dispatch"
	"github.com/splendidbits/pushservices/internal/eventbus"
	"github.com/splendidbits/pushservices/internal/models"
	"github.com/splendidbits/pushservices/internal/storage"
	"github.com/splendidbits/pushservices/pkg/logx"
)

// stubDispatcher invokes fn asynchronously per dispatch, mirroring the
// real dispatcher's contract.
type stubDispatcher struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, m *models.Message, resp dispatch.Response)
}

func (d *stubDispatcher) Dispatch(_ context.Context, m *models.Message, resp dispatch.Response) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	fn := d.fn
	d.mu.Unlock()
	go fn(call, m, resp)
}

func (d *stubDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// recordingListener captures callback order and terminal notifications.
type recordingListener struct {
	mu        sync.Mutex
	order     []string
	updated   []dispatch.UpdatedRecipient
	failed    []dispatch.FailedRecipient
	completed chan *models.Message
	msgFailed chan *models.PlatformFailure
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		completed: make(chan *models.Message, 1),
		msgFailed: make(chan *models.PlatformFailure, 1),
	}
}

func (l *recordingListener) OnUpdatedRecipients(pairs []dispatch.UpdatedRecipient) {
	l.mu.Lock()
	l.order = append(l.order, "updated")
	l.updated = append(l.updated, pairs...)
	l.mu.Unlock()
}

func (l *recordingListener) OnFailedRecipients(recipients []dispatch.FailedRecipient) {
	l.mu.Lock()
	l.order = append(l.order, "failed")
	l.failed = append(l.failed, recipients...)
	l.mu.Unlock()
}

func (l *recordingListener) OnMessageCompleted(m *models.Message) {
	l.mu.Lock()
	l.order = append(l.order, "completed")
	l.mu.Unlock()
	l.completed <- m
}

func (l *recordingListener) OnMessageFailed(_ *models.Message, failure *models.PlatformFailure) {
	l.mu.Lock()
	l.order = append(l.order, "message_failed")
	l.mu.Unlock()
	l.msgFailed <- failure
}

func (l *recordingListener) callOrder() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func newTestService(t *testing.T, disp dispatch.PlatformDispatcher) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	svc := New(Config{Throttle: time.Millisecond, SweepEvery: time.Hour},
		store, disp, eventbus.New(), logx.Nop())
	return svc, store
}

func submitTask(t *testing.T, svc *Service, listener Listener, tokens ...string) *models.Task {
	t.Helper()
	m, err := models.NewMessageBuilder().
		AddDeviceTokens(tokens...).
		AddData("k", "v").
		SetCredentials(models.Credentials{
			Platform: models.PlatformGCM,
			AuthKey:  "server-key",
		}).
		Build()
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	task := models.NewTask("test-task")
	task.AddMessage(m)
	if err := svc.Submit(context.Background(), task, listener); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitValidation(t *testing.T) {
	svc, store := newTestService(t, &stubDispatcher{})

	tests := []struct {
		name string
		task *models.Task
	}{
		{"nil task", nil},
		{"no messages", models.NewTask("empty")},
		{"client supplied id", &models.Task{ID: 9, Name: "preset"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Submit(context.Background(), tc.task, nil)
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
		})
	}

	// Nothing may reach persistence.
	tasks, err := store.FetchPendingTasks(context.Background())
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("persisted tasks = %d, want 0", len(tasks))
	}
}

func TestPipelineCompletesMessage(t *testing.T) {
	disp := &stubDispatcher{fn: func(_ int, m *models.Message, resp dispatch.Response) {
		resp.MessageOutcome(m, m.Recipients, nil, nil, nil)
	}}
	svc, store := newTestService(t, disp)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	listener := newRecordingListener()
	task := submitTask(t, svc, listener, "tok-a", "tok-b")

	select {
	case <-listener.completed:
	case <-time.After(5 * time.Second):
		t.Fatal("message never completed")
	}

	waitFor(t, "active set drain", func() bool { return svc.Snapshot().Active == 0 })

	found, err := store.FindTasksByName(context.Background(), task.Name)
	if err != nil || len(found) != 1 {
		t.Fatalf("find task: %v (%d)", err, len(found))
	}
	for _, r := range found[0].Messages[0].Recipients {
		if r.State != models.StateComplete {
			t.Errorf("recipient %q state = %v, want %v", r.Token, r.State, models.StateComplete)
		}
		if r.LastAttempt.IsZero() {
			t.Errorf("recipient %q has no last attempt time", r.Token)
		}
	}
}

func TestPipelineRetriesThenCompletes(t *testing.T) {
	disp := &stubDispatcher{}
	disp.fn = func(call int, m *models.Message, resp dispatch.Response) {
		if call == 1 {
			// Defer every recipient, with the cooling-off already elapsed
			// so the requeued message is immediately eligible again.
			var retry []dispatch.FailedRecipient
			now := time.Now()
			for _, r := range m.Recipients {
				pf := models.NewPlatformFailure(models.FailureTemporarilyUnavailable, "Unavailable", now)
				r.Failure = pf
				models.ScheduleRecipientRetry(r, m.MaxRetries, now)
				r.NextAttempt = now.Add(-time.Minute)
				retry = append(retry, dispatch.FailedRecipient{Recipient: r, Failure: pf})
			}
			resp.MessageOutcome(m, nil, nil, nil, retry)
			return
		}
		resp.MessageOutcome(m, m.Recipients, nil, nil, nil)
	}
	svc, store := newTestService(t, disp)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	listener := newRecordingListener()
	task := submitTask(t, svc, listener, "tok-retry")

	select {
	case <-listener.completed:
	case <-time.After(5 * time.Second):
		t.Fatal("message never completed after retry")
	}

	if got := disp.callCount(); got != 2 {
		t.Errorf("dispatch calls = %d, want 2", got)
	}

	found, err := store.FindTasksByName(context.Background(), task.Name)
	if err != nil || len(found) != 1 {
		t.Fatalf("find task: %v (%d)", err, len(found))
	}
	r := found[0].Messages[0].Recipients[0]
	if r.State != models.StateComplete {
		t.Errorf("recipient state = %v, want %v", r.State, models.StateComplete)
	}
	if r.SendAttempts != 1 {
		t.Errorf("send attempts = %d, want 1", r.SendAttempts)
	}
}

func TestMessageFailureRetiresMessage(t *testing.T) {
	disp := &stubDispatcher{fn: func(_ int, m *models.Message, resp dispatch.Response) {
		resp.MessageFailure(m, models.NewPlatformFailure(
			models.FailurePlatformAuthInvalid, "401 Authentication Error", time.Now()))
	}}
	svc, store := newTestService(t, disp)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	listener := newRecordingListener()
	task := submitTask(t, svc, listener, "tok-doomed")

	var failure *models.PlatformFailure
	select {
	case failure = <-listener.msgFailed:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never saw the failure")
	}
	if failure.Type != models.FailurePlatformAuthInvalid {
		t.Errorf("failure type = %v", failure.Type)
	}

	waitFor(t, "message retirement", func() bool { return svc.Snapshot().Active == 0 })

	found, err := store.FindTasksByName(context.Background(), task.Name)
	if err != nil || len(found) != 1 {
		t.Fatalf("find task: %v (%d)", err, len(found))
	}
	for _, r := range found[0].Messages[0].Recipients {
		if r.State != models.StateFailed {
			t.Errorf("recipient state = %v, want %v", r.State, models.StateFailed)
		}
		if r.Failure == nil {
			t.Error("recipient has no failure record")
		}
	}
}

func TestOutcomeCallbackOrdering(t *testing.T) {
	disp := &stubDispatcher{}
	disp.fn = func(_ int, m *models.Message, resp dispatch.Response) {
		now := time.Now()
		pf := models.NewPlatformFailure(models.FailureNotRegistered, "NotRegistered", now)
		m.Recipients[1].Failure = pf
		resp.MessageOutcome(m,
			[]*models.Recipient{m.Recipients[0]},
			[]dispatch.FailedRecipient{{Recipient: m.Recipients[1], Failure: pf}},
			[]dispatch.UpdatedRecipient{{Old: m.Recipients[2], New: models.NewRecipient("fresh-token")}},
			nil)
	}
	svc, _ := newTestService(t, disp)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	listener := newRecordingListener()
	submitTask(t, svc, listener, "tok-0", "tok-1", "tok-2")

	select {
	case <-listener.completed:
	case <-time.After(5 * time.Second):
		t.Fatal("message never completed")
	}

	want := []string{"updated", "failed", "completed"}
	got := listener.callOrder()
	if len(got) != len(want) {
		t.Fatalf("callback order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("callback order = %v, want %v", got, want)
		}
	}
	if len(listener.updated) != 1 || listener.updated[0].New.Token != "fresh-token" {
		t.Errorf("updated pairs = %+v", listener.updated)
	}
}

func TestEnqueueOverflowAndStopped(t *testing.T) {
	svc, _ := newTestService(t, &stubDispatcher{})

	// Not started: staging is nil.
	if err := svc.enqueue(&models.Message{ID: 1}); err != ErrStopped {
		t.Fatalf("enqueue on stopped = %v, want ErrStopped", err)
	}

	// A full staging queue rejects and releases the in-flight guard.
	svc.staging = make(chan *models.Message, 1)
	if err := svc.enqueue(&models.Message{ID: 1}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := svc.enqueue(&models.Message{ID: 2}); err != ErrQueueFull {
		t.Fatalf("second enqueue = %v, want ErrQueueFull", err)
	}
	svc.trackMu.Lock()
	_, stillTracked := svc.active[2]
	svc.trackMu.Unlock()
	if stillTracked {
		t.Error("rejected message left in the active set")
	}

	// Re-enqueueing an in-flight message is a no-op, not an error.
	if err := svc.enqueue(&models.Message{ID: 1}); err != nil {
		t.Fatalf("duplicate enqueue = %v, want nil", err)
	}
	if got := len(svc.staging); got != 1 {
		t.Errorf("staged = %d, want 1", got)
	}
}

// rereadStore serves canned pending-message snapshots in call order.
type rereadStore struct {
	storage.Store
	mu      sync.Mutex
	fetches [][]*models.Message
	calls   int
}

func (s *rereadStore) FetchPendingMessages(context.Context) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls < len(s.fetches) {
		s.calls++
		return s.fetches[s.calls-1], nil
	}
	return nil, nil
}

func TestSweepAdoptsFreshStoreState(t *testing.T) {
	// An outcome that lands between the sweep's snapshot and its guard
	// check persists before releasing the guard. The sweep must stage the
	// re-read copy, not the snapshot taken while the message was in flight.
	stale := &models.Message{ID: 7, Recipients: []*models.Recipient{{
		Token: "tok-settled", State: models.StateProcessing,
	}}}
	fresh := &models.Message{ID: 7, Recipients: []*models.Recipient{{
		Token: "tok-settled", State: models.StateWaitingRetry,
		SendAttempts: 1, NextAttempt: time.Now().Add(2 * time.Minute),
	}}}
	inFlight := &models.Message{ID: 8, Recipients: []*models.Recipient{{Token: "tok-busy"}}}

	store := &rereadStore{
		Store:   storage.NewMemory(),
		fetches: [][]*models.Message{{stale, inFlight}, {fresh, inFlight}},
	}
	svc := New(Config{Throttle: time.Millisecond, SweepEvery: time.Hour},
		store, &stubDispatcher{}, eventbus.New(), logx.Nop())
	svc.staging = make(chan *models.Message, 4)
	svc.active[inFlight.ID] = true

	svc.sweep(context.Background())

	select {
	case got := <-svc.staging:
		if got != fresh {
			t.Errorf("sweep staged the first snapshot, recipient state %v", got.Recipients[0].State)
		}
		if got.Recipients[0].NextAttempt.IsZero() {
			t.Error("staged copy lost its cooling-off window")
		}
	default:
		t.Fatal("sweep adopted nothing")
	}

	select {
	case got := <-svc.staging:
		t.Errorf("sweep staged in-flight message %d", got.ID)
	default:
	}
}

func TestStartIdempotentWithRecoverySweep(t *testing.T) {
	dispatched := make(chan int64, 16)
	disp := &stubDispatcher{}
	disp.fn = func(_ int, m *models.Message, resp dispatch.Response) {
		dispatched <- m.ID
		resp.MessageOutcome(m, m.Recipients, nil, nil, nil)
	}
	svc, store := newTestService(t, disp)

	// Persist a pending task before the queue exists, as after a crash.
	m, err := models.NewMessageBuilder().
		AddDeviceTokens("tok-orphan").
		SetCredentials(models.Credentials{Platform: models.PlatformGCM, AuthKey: "server-key"}).
		Build()
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	task := models.NewTask("orphaned")
	task.AddMessage(m)
	if err := store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	svc.Start(context.Background())
	svc.Start(context.Background()) // second call is a no-op
	defer svc.Stop(context.Background())

	select {
	case id := <-dispatched:
		if id != task.Messages[0].ID {
			t.Errorf("dispatched message %d, want %d", id, task.Messages[0].ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("startup sweep never adopted the pending message")
	}

	// One pipeline pair and the active-set guard mean exactly one dispatch.
	time.Sleep(50 * time.Millisecond)
	if got := disp.callCount(); got != 1 {
		t.Errorf("dispatch calls = %d, want 1", got)
	}
}

func TestStopThenRestart(t *testing.T) {
	disp := &stubDispatcher{fn: func(_ int, m *models.Message, resp dispatch.Response) {
		resp.MessageOutcome(m, m.Recipients, nil, nil, nil)
	}}
	svc, _ := newTestService(t, disp)

	svc.Start(context.Background())
	svc.Stop(context.Background())
	svc.Stop(context.Background()) // idempotent

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	listener := newRecordingListener()
	submitTask(t, svc, listener, "tok-restart")

	select {
	case <-listener.completed:
	case <-time.After(5 * time.Second):
		t.Fatal("restarted pipeline never delivered")
	}
}
