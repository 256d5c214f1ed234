package gcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/splendidbits/pushservices/internal/dispatch"
	"github.com/splendidbits/pushservices/internal/models"
	"github.com/splendidbits/pushservices/pkg/logx"
)

const (
	// Provider hard limit on registration ids per request.
	batchSize = 1000

	defaultTimeout     = 60 * time.Second
	defaultConcurrency = 4
	maxResponseBody    = 1 << 20
)

// Config tunes the dispatcher. The zero value is usable.
type Config struct {
	// Endpoint overrides the platform URL from the message credentials.
	Endpoint string

	// Timeout bounds one endpoint request. Defaults to 60s.
	Timeout time.Duration

	// Concurrency caps in-flight batch requests per message. Defaults to 4.
	Concurrency int
}

func (c *Config) normalize() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
}

// Dispatcher sends messages over the GCM HTTP protocol. Endpoint calls
// run behind a circuit breaker; an open breaker classifies the attempt
// as temporarily unavailable so recipients retry instead of failing.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     logx.Logger
	now     func() time.Time
}

// New builds a dispatcher. A zero Config uses the platform URL from each
// message's credentials with default timeouts.
func New(cfg Config, log logx.Logger) *Dispatcher {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}

	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "gcm-endpoint",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log.With(logx.String("component", "gcm")),
		now: time.Now,
	}
}

// Dispatch sends the message asynchronously and reports the outcome
// through resp once every batch has been reconciled.
func (d *Dispatcher) Dispatch(ctx context.Context, m *models.Message, resp dispatch.Response) {
	go d.run(ctx, m, resp)
}

type batchResult struct {
	body    *response
	err     error
	failure models.FailureType
}

func (d *Dispatcher) run(ctx context.Context, m *models.Message, resp dispatch.Response) {
	now := d.now()

	if len(m.Recipients) == 0 {
		resp.MessageFailure(m, d.failure(models.FailureRegistrationsMissing, now))
		return
	}
	if m.Credentials == nil || m.Credentials.Platform == "" || m.Credentials.AuthKey == "" {
		resp.MessageFailure(m, d.failure(models.FailurePlatformAuthInvalid, now))
		return
	}

	batches := batchRecipients(m, now)
	if len(batches) == 0 {
		resp.MessageOutcome(m, nil, nil, nil, nil)
		return
	}

	results := make([]batchResult, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			body, err := d.send(gctx, m, batch)
			results[i] = batchResult{body: body, err: err}
			if err != nil {
				d.log.Warn("batch request failed",
					logx.Int("batch", i),
					logx.Int("recipients", len(batch)),
					logx.Err(err))
			}
			return nil
		})
	}
	// Send errors are carried per batch, never returned.
	_ = g.Wait()

	// Classify transport errors up front. If every batch died with a
	// fatal status there is nothing per-recipient to report and the
	// message fails as a whole.
	fatalTransports := 0
	var fatalType models.FailureType
	for i := range results {
		if results[i].err == nil {
			continue
		}
		results[i].failure = classifyTransportError(results[i].err)
		if results[i].failure.IsFatal() {
			fatalTransports++
			fatalType = results[i].failure
		}
	}
	if fatalTransports == len(batches) {
		resp.MessageFailure(m, d.failure(fatalType, now))
		return
	}

	completed, failed, updated, retry := d.reconcile(m, batches, results, now)
	resp.MessageOutcome(m, completed, failed, updated, retry)
}

// reconcile walks every batch result and sorts its recipients into the
// outcome buckets. Response slots align positionally with the batch that
// produced them.
func (d *Dispatcher) reconcile(m *models.Message, batches [][]*models.Recipient,
	results []batchResult, now time.Time) (completed []*models.Recipient,
	failed []dispatch.FailedRecipient, updated []dispatch.UpdatedRecipient,
	retry []dispatch.FailedRecipient) {

	fail := func(r *models.Recipient, t models.FailureType, msg string) {
		pf := models.NewPlatformFailure(t, msg, now)
		r.Failure = pf
		if t.IsFatal() {
			failed = append(failed, dispatch.FailedRecipient{Recipient: r, Failure: pf})
			return
		}
		models.ScheduleRecipientRetry(r, m.MaxRetries, now)
		if r.State == models.StateFailed {
			failed = append(failed, dispatch.FailedRecipient{Recipient: r, Failure: pf})
		} else {
			retry = append(retry, dispatch.FailedRecipient{Recipient: r, Failure: pf})
		}
	}

	for i, br := range results {
		batch := batches[i]

		if br.err != nil {
			for _, r := range batch {
				fail(r, br.failure, ErrorNameForFailure(br.failure))
			}
			continue
		}

		for slot, res := range br.body.Results {
			if slot >= len(batch) {
				d.log.Warn("response carried more results than batch recipients",
					logx.Int("batch", i),
					logx.Int("recipients", len(batch)),
					logx.Int("results", len(br.body.Results)))
				break
			}
			r := batch[slot]

			// A replacement registration id is still a successful
			// delivery, with or without a message id alongside it.
			if res.MessageID != "" || res.RegistrationID != "" {
				completed = append(completed, r)
			}
			if res.RegistrationID != "" {
				updated = append(updated, dispatch.UpdatedRecipient{
					Old: r,
					New: models.NewRecipient(res.RegistrationID),
				})
			}
			if res.Error != "" {
				fail(r, FailureTypeForError(res.Error), res.Error)
			}
		}
	}
	return completed, failed, updated, retry
}

func (d *Dispatcher) send(ctx context.Context, m *models.Message, batch []*models.Recipient) (*response, error) {
	payload, err := json.Marshal(newRequest(m, batch))
	if err != nil {
		return nil, fmt.Errorf("gcm: encode request: %w", err)
	}

	out, err := d.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpointFor(m), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "key="+m.Credentials.AuthKey)

		res, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()

		body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
		if err != nil {
			return nil, err
		}
		if res.Header.Get("Retry-After") != "" {
			return nil, &EndpointError{Status: res.StatusCode, Body: string(body), RetryAfter: true}
		}
		if res.StatusCode != http.StatusOK {
			return nil, &EndpointError{Status: res.StatusCode, Body: string(body)}
		}

		var parsed response
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("gcm: decode response: %w", err)
		}
		return &parsed, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*response), nil
}

func (d *Dispatcher) endpointFor(m *models.Message) string {
	if d.cfg.Endpoint != "" {
		return d.cfg.Endpoint
	}
	return m.Credentials.Platform.URL()
}

func (d *Dispatcher) failure(t models.FailureType, now time.Time) *models.PlatformFailure {
	return models.NewPlatformFailure(t, ErrorNameForFailure(t), now)
}

// batchRecipients splits the message's sendable recipients into
// contiguous batches of at most batchSize, preserving order. Terminal
// and cooling-off recipients are skipped.
func batchRecipients(m *models.Message, now time.Time) [][]*models.Recipient {
	var batches [][]*models.Recipient
	var current []*models.Recipient

	for _, r := range m.Recipients {
		if !models.IsRecipientPending(r) || models.IsRecipientCoolingOff(r, now) {
			continue
		}
		current = append(current, r)
		if len(current) == batchSize {
			batches = append(batches, current)
			current = nil
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// classifyTransportError turns a failed batch request into a failure
// type. Rate limiting and provider outages stay retryable; bad payloads
// and bad credentials are terminal.
func classifyTransportError(err error) models.FailureType {
	var ep *EndpointError
	if errors.As(err, &ep) {
		switch {
		case ep.RetryAfter, ep.Status == 420, ep.Status == http.StatusTooManyRequests:
			return models.FailurePlatformLimitExceeded
		case ep.Status == http.StatusBadRequest:
			return models.FailurePayloadInvalid
		case ep.Status == http.StatusUnauthorized:
			return models.FailurePlatformAuthInvalid
		case ep.Status >= 500 && ep.Status <= 599:
			return models.FailureTemporarilyUnavailable
		default:
			return models.FailureUnknown
		}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.FailureTemporarilyUnavailable
	}
	// Network level errors: the endpoint may come back.
	return models.FailureTemporarilyUnavailable
}
