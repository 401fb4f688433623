// Package license decides whether a parsed manifest may be played. A Check
// runs pluggable verifiers in order and fails if any of them rejects the book.
package license

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// Verifier checks one licensing or DRM concern.
type Verifier interface {
	Name() string
	// Verify reports whether the manifest passes. A returned error counts as
	// a failure. Progress messages go through emit.
	Verify(ctx context.Context, m *manifest.Manifest, emit func(string)) (bool, error)
}

// Event is a per-verifier status message.
type Event struct {
	Verifier string
	Message  string
	At       time.Time
}

// Failure explains why one verifier rejected the manifest.
type Failure struct {
	Verifier string
	Reason   string
	Err      error
}

// Result is the aggregate outcome of a check.
type Result struct {
	Succeeded bool
	Failures  []Failure
}

// Err summarizes a failed result as an error, or returns nil.
func (r Result) Err() error {
	if r.Succeeded {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		if f.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Verifier, f.Err))
		} else {
			errs = append(errs, fmt.Errorf("%s: %s", f.Verifier, f.Reason))
		}
	}
	if len(errs) == 0 {
		return stderrors.New("license check failed")
	}
	return stderrors.Join(errs...)
}

// Check runs verifiers against one manifest.
type Check struct {
	manifest  *manifest.Manifest
	verifiers []Verifier
	events    *stream.Hub[Event]
	log       *slog.Logger
}

// NewCheck prepares a check. Verifiers run in the order given.
func NewCheck(m *manifest.Manifest, verifiers ...Verifier) *Check {
	return &Check{
		manifest:  m,
		verifiers: append([]Verifier(nil), verifiers...),
		events:    stream.NewHub[Event](),
		log:       slog.Default(),
	}
}

// WithLogger sets the logger used for verifier failures.
func (c *Check) WithLogger(l *slog.Logger) *Check {
	if l != nil {
		c.log = l
	}
	return c
}

// Events returns the hub verifier messages are published on.
func (c *Check) Events() *stream.Hub[Event] {
	return c.events
}

// Execute runs every verifier. A rejection does not stop the remaining
// verifiers, so each one reports its outcome; cancellation does.
func (c *Check) Execute(ctx context.Context) Result {
	res := Result{Succeeded: true}
	if len(c.verifiers) == 0 {
		c.publish("check", "No license verifiers configured")
	}

	for _, v := range c.verifiers {
		if err := ctx.Err(); err != nil {
			res.Succeeded = false
			res.Failures = append(res.Failures, Failure{Verifier: v.Name(), Reason: "check cancelled", Err: err})
			return res
		}

		name := v.Name()
		emit := func(msg string) { c.publish(name, msg) }
		ok, err := c.run(ctx, v, emit)
		metrics.NewMetrics().ObserveLicenseCheck(name, ok && err == nil)

		switch {
		case err != nil:
			c.log.Warn("license verifier failed", "verifier", name, "error", err)
			c.publish(name, fmt.Sprintf("Verification failed: %v", err))
			res.Succeeded = false
			res.Failures = append(res.Failures, Failure{Verifier: name, Reason: err.Error(), Err: err})
		case !ok:
			c.publish(name, "Verification failed")
			res.Succeeded = false
			res.Failures = append(res.Failures, Failure{Verifier: name, Reason: "rejected"})
		default:
			c.publish(name, "Verification succeeded")
		}
	}
	return res
}

// run converts a verifier panic into an error.
func (c *Check) run(ctx context.Context, v Verifier, emit func(string)) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("verifier panicked: %v", r)
		}
	}()
	return v.Verify(ctx, c.manifest, emit)
}

func (c *Check) publish(verifier, msg string) {
	c.events.Publish(Event{Verifier: verifier, Message: msg, At: time.Now()})
}

// ErrTimeout is returned by Execution.Await when the bound elapses.
var ErrTimeout = stream.ErrTimeout

// Execution is a running check observed through one subscription.
type Execution struct {
	job *stream.Job[Event, Result]
}

// Start runs the check in the background. Unsubscribing cancels any verifier
// network I/O and stops event delivery.
func Start(ctx context.Context, c *Check) *Execution {
	job := stream.Start(ctx, c.events, func(ctx context.Context) (Result, error) {
		return c.Execute(ctx), nil
	})
	return &Execution{job: job}
}

// Events returns the verifier messages of this execution.
func (e *Execution) Events() <-chan Event { return e.job.Events() }

// Done is closed once the check has finished.
func (e *Execution) Done() <-chan struct{} { return e.job.Done() }

// Unsubscribe abandons the check.
func (e *Execution) Unsubscribe() { e.job.Unsubscribe() }

// Await waits up to timeout for the result; non-positive waits indefinitely.
func (e *Execution) Await(timeout time.Duration) (Result, error) {
	return e.job.Await(timeout)
}
