package taskqueue

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/splendidbits/pushservices/internal/dispatch"
	"github.com/splendidbits/pushservices/internal/eventbus"
	"github.com/splendidbits/pushservices/internal/models"
	"github.com/splendidbits/pushservices/pkg/logx"
)

func (s *Service) producer(ctx context.Context, stopCh <-chan struct{}, staging <-chan *models.Message,
	processing chan<- *models.Message, lim *rate.Limiter) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case m := <-staging:
			select {
			case processing <- m:
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			}
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
	}
}

func (s *Service) consumer(ctx context.Context, stopCh <-chan struct{},
	processing <-chan *models.Message, lim *rate.Limiter) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case m := <-processing:
			s.processOne(ctx, m)
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
	}
}

// processOne is one consumer step: decide whether the message can go out
// now, mark its eligible recipients, persist, and hand it to the
// dispatcher. Messages whose pending recipients are all cooling off
// circulate back through the staging queue.
func (s *Service) processOne(ctx context.Context, m *models.Message) {
	now := s.now()

	ready, err := models.HasReadyRecipients(m, now)
	if err != nil {
		s.log.Warn("message invalid at dispatch time",
			logx.Int64("message_id", m.ID), logx.Err(err))
		s.failMessage(ctx, m, models.NewPlatformFailure(models.FailureUnknown, err.Error(), now))
		return
	}
	if !ready {
		if models.IsMessageComplete(m) {
			s.log.Debug("message already finished, dropping",
				logx.Int64("message_id", m.ID))
			s.retire(m.ID)
			return
		}
		// Every pending recipient is cooling off. Put it back.
		s.requeue(m)
		return
	}

	eligible := 0
	for _, r := range m.Recipients {
		if models.IsRecipientPending(r) && !models.IsRecipientCoolingOff(r, now) {
			r.State = models.StateProcessing
			r.LastAttempt = now
			eligible++
		}
	}
	if eligible == 0 {
		s.requeue(m)
		return
	}
	if m.SentAt.IsZero() {
		m.SentAt = now
	}

	if err := s.store.SaveMessage(ctx, m); err != nil {
		// Never crash the loop on persistence trouble. Release the
		// in-flight guard so the sweep can adopt the message again.
		s.log.Error("persist before dispatch failed",
			logx.Int64("message_id", m.ID), logx.Err(err))
		s.deactivate(m.ID)
		return
	}

	s.log.Debug("dispatching message",
		logx.Int64("message_id", m.ID),
		logx.Int("eligible", eligible))
	s.publish(eventbus.TypeMessageDispatched, m, "")
	s.disp.Dispatch(ctx, m, responseHandler{s})
}

// requeue pushes an in-flight message back onto the staging queue. On
// overflow the in-flight guard is released so the sweep re-adopts it.
func (s *Service) requeue(m *models.Message) {
	s.mu.Lock()
	q := s.staging
	s.mu.Unlock()
	if q == nil {
		s.deactivate(m.ID)
		return
	}

	select {
	case q <- m:
		s.publish(eventbus.TypeMessageRequeued, m, "")
	default:
		s.deactivate(m.ID)
		s.log.Warn("staging queue full on requeue, releasing message",
			logx.Int64("message_id", m.ID))
	}
}

// failMessage terminally fails every recipient, persists, notifies the
// listener, and retires the message.
func (s *Service) failMessage(ctx context.Context, m *models.Message, failure *models.PlatformFailure) {
	models.FailMessage(m, failure)
	if err := s.store.SaveMessage(ctx, m); err != nil {
		s.log.Error("persist failed message", logx.Int64("message_id", m.ID), logx.Err(err))
	}
	if l := s.listenerFor(m.ID); l != nil {
		l.OnMessageFailed(m, failure)
	}
	s.retire(m.ID)
	s.publish(eventbus.TypeMessageFailed, m, string(failure.Type))
}

// sweep re-adopts persisted messages with pending recipients that are
// not currently in flight. Runs at startup and on the recovery schedule.
//
// Ids are picked before the adopting fetch. An in-flight message always
// persists its outcome before releasing the guard, so a snapshot fetched
// after the guard check can never predate that persist.
func (s *Service) sweep(ctx context.Context) {
	msgs, err := s.store.FetchPendingMessages(ctx)
	if err != nil {
		s.log.Error("pending message sweep failed", logx.Err(err))
		return
	}

	candidates := make(map[int64]bool, len(msgs))
	s.trackMu.Lock()
	for _, m := range msgs {
		if !s.active[m.ID] {
			candidates[m.ID] = true
		}
	}
	s.trackMu.Unlock()
	if len(candidates) == 0 {
		return
	}

	fresh, err := s.store.FetchPendingMessages(ctx)
	if err != nil {
		s.log.Error("pending message sweep failed", logx.Err(err))
		return
	}

	adopted := 0
	for _, m := range fresh {
		if !candidates[m.ID] {
			continue
		}
		if err := s.enqueue(m); err != nil {
			break
		}
		adopted++
	}
	if adopted > 0 {
		s.log.Info("adopted pending messages",
			logx.Int("adopted", adopted),
			logx.Int("pending", len(fresh)))
	}
}

// responseHandler applies dispatcher outcomes back onto queue state. The
// dispatcher only classifies; terminal transitions happen here.
type responseHandler struct {
	s *Service
}

func (h responseHandler) MessageOutcome(m *models.Message, completed []*models.Recipient,
	failed []dispatch.FailedRecipient, updated []dispatch.UpdatedRecipient, retry []dispatch.FailedRecipient) {
	s := h.s

	for _, r := range completed {
		r.State = models.StateComplete
	}
	for _, fr := range failed {
		fr.Recipient.State = models.StateFailed
		fr.Recipient.Failure = fr.Failure
	}
	// A rotated token still means the provider delivered to the device.
	for _, pair := range updated {
		pair.Old.State = models.StateComplete
	}
	// Retry recipients were already rescheduled by the dispatcher.

	if err := s.store.SaveMessage(context.Background(), m); err != nil {
		// Pull the message from active tracking so a duplicate can't
		// wedge the queue; the sweep will retry it from storage.
		s.log.Error("persist message outcome failed",
			logx.Int64("message_id", m.ID), logx.Err(err))
		s.deactivate(m.ID)
		return
	}

	if l := s.listenerFor(m.ID); l != nil {
		if len(updated) > 0 {
			l.OnUpdatedRecipients(updated)
		}
		if len(failed) > 0 {
			l.OnFailedRecipients(failed)
		}
		if len(completed) > 0 && len(retry) == 0 {
			l.OnMessageCompleted(m)
		}
	}

	if len(retry) == 0 {
		s.log.Info("message completed",
			logx.Int64("message_id", m.ID),
			logx.Int("completed", len(completed)),
			logx.Int("failed", len(failed)))
		s.retire(m.ID)
		s.publish(eventbus.TypeMessageCompleted, m, "")
		return
	}

	// Outstanding retries: release the guard and stage it again so the
	// cooling-off window can elapse.
	s.log.Debug("message has retry recipients, requeueing",
		logx.Int64("message_id", m.ID),
		logx.Int("retries", len(retry)))
	s.deactivate(m.ID)
	if err := s.enqueue(m); err != nil {
		s.log.Warn("requeue after outcome failed", logx.Int64("message_id", m.ID), logx.Err(err))
	}
}

func (h responseHandler) MessageFailure(m *models.Message, failure *models.PlatformFailure) {
	s := h.s
	s.log.Warn("platform rejected message",
		logx.Int64("message_id", m.ID),
		logx.String("failure", string(failure.Type)),
		logx.String("detail", failure.Message))
	s.failMessage(context.Background(), m, failure)
}
