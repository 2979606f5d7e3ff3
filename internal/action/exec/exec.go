// Package exec implements ActionExecutor (spec.md 4.G): the five-phase
// coordinator (pre-check, validate, page setup, dispatch-with-retry,
// cleanup+audit) that ties the validator, dispatcher, and page manager
// together, plus batch execution bounded by a semaphore-limited
// maxConcurrency.
package exec

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/muqo16/browserctl/internal/action"
	"github.com/muqo16/browserctl/internal/action/dispatch"
	"github.com/muqo16/browserctl/internal/action/validate"
	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/audit"
	"github.com/muqo16/browserctl/internal/circuitbreaker"
	"github.com/muqo16/browserctl/internal/driver"
	"github.com/muqo16/browserctl/internal/metrics"
	"github.com/muqo16/browserctl/internal/page"
)

// RetryPolicy describes how many attempts a kind gets and which errors
// qualify for a retry, per spec.md 4.G phase 4.
type RetryPolicy struct {
	MaxAttempts        int
	RetryOnDisconnectOnly bool
	BaseDelay          time.Duration
	MaxDelay           time.Duration
}

// GetRetryPolicy returns the default retry policy for kind, per spec.md
// 4.G: navigate/wait/screenshot/pdf retry up to 3 on any transient
// error; click/type/evaluate/upload retry at most once and only on
// driver-disconnect, since their side effects may have partially
// landed.
func GetRetryPolicy(kind action.Kind) RetryPolicy {
	switch kind {
	case action.KindNavigate, action.KindWait, action.KindScreenshot, action.KindPDF:
		return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 3 * time.Second}
	case action.KindClick, action.KindType, action.KindEvaluate, action.KindUpload:
		return RetryPolicy{MaxAttempts: 2, RetryOnDisconnectOnly: true, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	default:
		return RetryPolicy{MaxAttempts: 1}
	}
}

// Executor is ActionExecutor.
type Executor struct {
	pages      *page.Manager
	validator  *validate.Validator
	dispatcher *dispatch.Dispatcher
	breakers   *circuitbreaker.Registry
	metrics    *metrics.Collector
	sink       audit.Sink
}

// New constructs an Executor wired to its dependencies.
func New(pages *page.Manager, validator *validate.Validator, dispatcher *dispatch.Dispatcher, mc *metrics.Collector, sink audit.Sink) *Executor {
	return &Executor{
		pages: pages, validator: validator, dispatcher: dispatcher,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		metrics:  mc, sink: sink,
	}
}

// Execute runs the five-phase pipeline for a single action under
// principal.
func (e *Executor) Execute(ctx context.Context, a action.Action, principal page.Principal) (action.Result, error) {
	start := time.Now()
	e.emitPhase(ctx, audit.EventCommandExecuted, "start", principal, a, true, nil)

	// Phase 1: pre-check.
	if !e.dispatcher.IsActionSupported(a.Kind) {
		return action.Result{}, apierr.Unsupported("unsupported action kind: " + string(a.Kind))
	}

	// Phase 2: validate.
	result := e.validator.Validate(a)
	if !result.Valid {
		e.emitPhase(ctx, audit.EventValidationFailure, "validate", principal, a, false, result.Errors)
		return action.Result{}, apierr.Validation(firstOr(result.Errors, "validation failed"))
	}

	// Phase 3: page setup.
	_, pg, err := e.pages.GetPage(a.PageID, principal)
	if err != nil {
		return action.Result{}, err
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	// Phase 4: dispatch with retry, guarded by a per-(kind,page) breaker.
	breakerKey := string(a.Kind) + "|" + a.PageID
	breaker := e.breakers.Get(breakerKey)
	if err := breaker.Allow(); err != nil {
		return action.Result{}, apierr.Unavailable("circuit open for " + breakerKey)
	}

	policy := GetRetryPolicy(a.Kind)
	var res action.Result
	var dispatchErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res, dispatchErr = e.dispatcher.Dispatch(ctx, a, pg)
		if dispatchErr == nil {
			breaker.RecordSuccess()
			break
		}
		if policy.RetryOnDisconnectOnly && !isDisconnectError(dispatchErr) {
			break
		}
		if !apierr.IsRetryable(dispatchErr) && !isTransient(dispatchErr) {
			break
		}
		if attempt == policy.MaxAttempts {
			break
		}
		time.Sleep(jitteredBackoff(policy, attempt))
	}

	if dispatchErr != nil {
		breaker.RecordFailure()
		e.pages.RecordError(a.PageID)
		if e.metrics != nil {
			e.metrics.RecordAction(string(a.Kind), false, time.Since(start))
		}
		e.emitPhase(ctx, audit.EventCommandExecuted, "complete", principal, a, false, map[string]any{"error": dispatchErr.Error()})
		return action.Result{}, apierr.NavigationFailed(dispatchErr.Error()).WithCause(dispatchErr)
	}

	// Phase 5: cleanup + audit.
	e.pages.Touch(a.PageID, urlFromResult(res), "")
	if e.metrics != nil {
		e.metrics.RecordAction(string(a.Kind), true, time.Since(start))
	}
	e.emitPhase(ctx, audit.EventCommandExecuted, "complete", principal, a, true, nil)
	return res, nil
}

// ExecuteBatch runs actions concurrently, bounded by maxConcurrency via
// a weighted semaphore, and returns results in input order.
func (e *Executor) ExecuteBatch(ctx context.Context, actions []action.Action, principal page.Principal, maxConcurrency int64) []BatchResult {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	sem := semaphore.NewWeighted(maxConcurrency)
	out := make([]BatchResult, len(actions))

	var wg sync.WaitGroup
	for i, a := range actions {
		i, a := i, a
		if err := sem.Acquire(ctx, 1); err != nil {
			out[i] = BatchResult{Err: err}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			res, err := e.Execute(ctx, a, principal)
			out[i] = BatchResult{Result: res, Err: err}
		}()
	}
	wg.Wait()
	return out
}

// BatchResult pairs one action's outcome with its index-preserving slot.
type BatchResult struct {
	Result action.Result
	Err    error
}

// emitPhase records one audit event keyed by (resource, action root) so
// every COMMAND_EXECUTED "complete" event can be paired back to the
// "start" event that preceded it, per spec.md section 8 invariant 8.
func (e *Executor) emitPhase(ctx context.Context, evt audit.EventType, phase string, principal page.Principal, a action.Action, success bool, detail any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(ctx, audit.Event{
		Type:      evt,
		SessionID: principal.SessionID,
		UserID:    principal.UserID,
		Resource:  "page:" + a.PageID,
		Action:    string(a.Kind),
		Phase:     phase,
		Success:   success,
		Metadata:  map[string]any{"detail": detail},
	})
}

func firstOr(list []string, def string) string {
	if len(list) > 0 {
		return list[0]
	}
	return def
}

func isDisconnectError(err error) bool {
	if e, ok := apierr.As(err); ok {
		return e.Code == apierr.CodeBrowserCrashed
	}
	return false
}

func isTransient(err error) bool {
	if e, ok := apierr.As(err); ok {
		return e.Category == apierr.CategoryDriver || e.Category == apierr.CategoryCapacity
	}
	return false
}

func jitteredBackoff(policy RetryPolicy, attempt int) time.Duration {
	d := policy.BaseDelay * time.Duration(1<<uint(attempt-1))
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2 + 1))
	return d/2 + jitter
}

func urlFromResult(res action.Result) string {
	nav, ok := res.Data.(*driver.NavigateResult)
	if !ok {
		return ""
	}
	return nav.FinalURL
}
