package consent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// StatusResponse is the consent status shape the room API returns per
// feature.
type StatusResponse struct {
	RequiresConsent bool
	ConsentGiven    bool
	ConsentDenied   bool
	ConsentRequired bool
}

// API is the slice of the room API the orchestrator needs.
type API interface {
	ConsentStatus(ctx context.Context, feature Feature) (StatusResponse, error)
	SubmitConsent(ctx context.Context, feature Feature, granted bool) (StatusResponse, error)
}

// DialogPrompter shows one consent dialog. The implementation resolves the
// dialog by calling HandleConsentDecision; the orchestrator shows the next
// queued dialog only after that.
type DialogPrompter interface {
	Prompt(fc FeatureConsent)
}

// Redirector navigates the user out of the room after a required consent
// is denied.
type Redirector interface {
	Redirect()
}

type Hooks struct {
	// OnJoinUIShouldEnable fires when every feature's consent is resolved.
	OnJoinUIShouldEnable func()
	// OnJoinUIShouldDisable fires when joining must stay blocked, including
	// on status query failure (fail closed).
	OnJoinUIShouldDisable func()
	// OnConsentDenied fires on any denial decision.
	OnConsentDenied func(feature Feature)
	// OnCountdownTick reports the seconds remaining before redirect: 3, 2, 1.
	OnCountdownTick func(remaining int)
}

// countdownSeconds is the denial-redirect countdown. Fixed, not
// configurable.
const countdownSeconds = 3

type Config struct {
	API        API
	Prompter   DialogPrompter
	Redirector Redirector
	Hooks      Hooks
	Log        *slog.Logger

	// AfterFunc schedules countdown ticks; tests substitute a manual
	// trigger.
	AfterFunc func(d time.Duration, fn func()) *time.Timer
}

// Orchestrator owns the FeatureConsent records for one room session.
type Orchestrator struct {
	cfg   Config
	log   *slog.Logger
	hooks Hooks

	mu               sync.Mutex
	features         map[Feature]*FeatureConsent
	dialogQueue      []Feature
	activeDialog     Feature // empty when no dialog is showing
	countdownStarted bool
	joinEnabled      bool
}

func NewOrchestrator(cfg Config, features []FeatureConsent) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = time.AfterFunc
	}
	o := &Orchestrator{
		cfg:      cfg,
		log:      cfg.Log,
		hooks:    cfg.Hooks,
		features: make(map[Feature]*FeatureConsent, len(features)),
	}
	for i := range features {
		fc := features[i]
		o.features[fc.Feature] = &fc
	}
	return o
}

// CheckInitialConsentRequirements queries the status of every enabled,
// still-unchecked feature concurrently and waits for all of them, so the
// join UI changes state exactly once rather than flickering per feature.
// A query failure fails closed: joining stays disabled and the error is
// returned.
func (o *Orchestrator) CheckInitialConsentRequirements(ctx context.Context) error {
	o.mu.Lock()
	var pending []*FeatureConsent
	for _, fc := range o.features {
		if fc.Enabled && fc.State == StateUnchecked {
			fc.State = StateChecking
			pending = append(pending, fc)
		}
	}
	o.mu.Unlock()

	if len(pending) == 0 {
		// Nothing enabled or everything already resolved; no network calls.
		o.reevaluate()
		return nil
	}

	results := make([]StatusResponse, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	for i, fc := range pending {
		g.Go(func() error {
			status, err := o.cfg.API.ConsentStatus(gctx, fc.Feature)
			if err != nil {
				return fmt.Errorf("consent status for %s: %w", fc.Feature, err)
			}
			results[i] = status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.mu.Lock()
		for _, fc := range pending {
			if fc.State == StateChecking {
				fc.State = StateUnchecked
			}
		}
		o.mu.Unlock()
		if o.hooks.OnJoinUIShouldDisable != nil {
			o.hooks.OnJoinUIShouldDisable()
		}
		return err
	}

	o.mu.Lock()
	for i, fc := range pending {
		o.applyStatusLocked(fc, results[i])
	}
	o.mu.Unlock()

	o.reevaluate()
	o.pumpDialogs()
	return nil
}

// applyStatusLocked folds a server status into the feature record. A
// feature needing an explicit decision queues a dialog.
func (o *Orchestrator) applyStatusLocked(fc *FeatureConsent, status StatusResponse) {
	fc.Required = status.ConsentRequired
	switch {
	case !status.RequiresConsent:
		fc.State = StateResolvedGranted
	case status.ConsentGiven:
		fc.State = StateResolvedGranted
	case status.ConsentDenied && status.ConsentRequired:
		fc.State = StateResolvedDeniedRequired
	case status.ConsentDenied:
		fc.State = StateResolvedDeniedOptional
	default:
		fc.State = StateAwaitingDecision
		o.dialogQueue = append(o.dialogQueue, fc.Feature)
	}
}

// HandleConsentDecision persists a user's decision, then updates local
// state. Persist failure leaves the feature in AwaitingDecision and
// returns a ConsentSubmissionError; the dialog may retry.
//
// A denial of a required consent starts the redirect countdown. The
// countdown survives any later re-evaluation of the same feature.
func (o *Orchestrator) HandleConsentDecision(ctx context.Context, feature Feature, granted bool) error {
	o.mu.Lock()
	fc, ok := o.features[feature]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown consent feature %q", feature)
	}

	status, err := o.cfg.API.SubmitConsent(ctx, feature, granted)
	if err != nil {
		return &ConsentSubmissionError{Feature: feature, Err: err}
	}

	o.mu.Lock()
	fc.Required = status.ConsentRequired
	denied := !granted
	if granted {
		fc.State = StateResolvedGranted
	} else if fc.Required {
		fc.State = StateResolvedDeniedRequired
	} else {
		fc.State = StateResolvedDeniedOptional
	}
	// A decision can arrive for a queued feature that was resolved out of
	// band; only the showing dialog's feature dismisses the dialog.
	if o.activeDialog == feature {
		o.activeDialog = ""
	}
	startCountdown := denied && fc.Required && !o.countdownStarted
	if startCountdown {
		o.countdownStarted = true
	}
	o.mu.Unlock()

	if denied && o.hooks.OnConsentDenied != nil {
		o.hooks.OnConsentDenied(feature)
	}
	if startCountdown {
		o.runCountdown()
	}

	// Decisions arrive in any order; the join predicate is re-evaluated
	// after every one.
	o.reevaluate()
	o.pumpDialogs()
	return nil
}

// AllConsentsResolved is the join predicate: every feature is either
// disabled or carries a resolved status.
func (o *Orchestrator) AllConsentsResolved() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.allResolvedLocked()
}

func (o *Orchestrator) allResolvedLocked() bool {
	for _, fc := range o.features {
		if fc.Enabled && !fc.State.Resolved() {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of the feature records, for diagnostics and the
// session facade.
func (o *Orchestrator) Snapshot() []FeatureConsent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]FeatureConsent, 0, len(o.features))
	for _, fc := range o.features {
		out = append(out, *fc)
	}
	return out
}

func (o *Orchestrator) reevaluate() {
	o.mu.Lock()
	resolved := o.allResolvedLocked()
	changed := resolved != o.joinEnabled
	o.joinEnabled = resolved
	o.mu.Unlock()

	if !changed {
		return
	}
	if resolved {
		if o.hooks.OnJoinUIShouldEnable != nil {
			o.hooks.OnJoinUIShouldEnable()
		}
	} else if o.hooks.OnJoinUIShouldDisable != nil {
		o.hooks.OnJoinUIShouldDisable()
	}
}

// pumpDialogs shows the next queued dialog if none is outstanding.
// Dialogs are strictly sequential; stacking them would corrupt focus and
// produce ambiguous outcomes.
func (o *Orchestrator) pumpDialogs() {
	o.mu.Lock()
	if o.activeDialog != "" || len(o.dialogQueue) == 0 {
		o.mu.Unlock()
		return
	}
	feature := o.dialogQueue[0]
	o.dialogQueue = o.dialogQueue[1:]
	fc, ok := o.features[feature]
	if !ok || fc.State != StateAwaitingDecision {
		o.mu.Unlock()
		o.pumpDialogs()
		return
	}
	o.activeDialog = feature
	snapshot := *fc
	o.mu.Unlock()

	if o.cfg.Prompter != nil {
		o.cfg.Prompter.Prompt(snapshot)
	}
}

// runCountdown ticks 3, 2, 1 and then redirects. Timers never cancel once
// started.
func (o *Orchestrator) runCountdown() {
	if o.hooks.OnCountdownTick != nil {
		o.hooks.OnCountdownTick(countdownSeconds)
	}
	for i := 1; i < countdownSeconds; i++ {
		remaining := countdownSeconds - i
		o.cfg.AfterFunc(time.Duration(i)*time.Second, func() {
			if o.hooks.OnCountdownTick != nil {
				o.hooks.OnCountdownTick(remaining)
			}
		})
	}
	o.cfg.AfterFunc(countdownSeconds*time.Second, func() {
		if o.cfg.Redirector != nil {
			o.cfg.Redirector.Redirect()
		}
	})
}
