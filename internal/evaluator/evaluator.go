// Package evaluator runs the per-cycle alert evaluation: fetch, evaluate, persist, notify.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/pricealert/internal/change"
	"github.com/rewired-gh/pricealert/internal/confidence"
	"github.com/rewired-gh/pricealert/internal/detector"
	"github.com/rewired-gh/pricealert/internal/history"
	"github.com/rewired-gh/pricealert/internal/logger"
	"github.com/rewired-gh/pricealert/internal/metrics"
	"github.com/rewired-gh/pricealert/internal/models"
)

// pruneMargin is kept beyond the longest spike timeframe so a baseline at exactly
// now-timeframe survives pruning.
const pruneMargin = 10 * time.Minute

// PriceSource is satisfied by *marketdata.Client.
type PriceSource interface {
	FetchSnapshot(ctx context.Context) (*models.PriceSnapshot, error)
	FetchVolumeBuckets(ctx context.Context, window string) ([]models.VolumeBucket, error)
}

// HistorySource supplies timeseries for confidence scoring.
type HistorySource interface {
	FetchHistoricalSeries(ctx context.Context, itemID int, timestep string) ([]models.HistoricalPoint, error)
}

// AlertStore is satisfied by *storage.Storage.
type AlertStore interface {
	ActiveAlerts(ctx context.Context) ([]*models.Alert, error)
	// SaveTriggerState reports false when the alert was edited or deleted since it was read.
	SaveTriggerState(ctx context.Context, alert *models.Alert) (bool, error)
}

// StateStore checkpoints detector state across restarts.
type StateStore interface {
	SaveHistory(data map[models.HistoryKey][]models.HistoryEntry) error
	LoadHistory() (map[models.HistoryKey][]models.HistoryEntry, error)
	SaveDumpStates(states []models.DumpState) error
	LoadDumpStates() ([]models.DumpState, error)
}

// Notifier delivers trigger events.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event models.TriggerEvent) error
}

type Config struct {
	// Workers is the evaluation parallelism; 1 or less evaluates sequentially.
	Workers            int
	FetchTimeout       time.Duration
	HistoryMaxAge      time.Duration
	CheckpointInterval int
	ScoreTriggers      bool
	ScoreLimit         int
	ScoreTimestep      string
	Params             detector.Params
}

func DefaultConfig() Config {
	return Config{
		Workers:            4,
		FetchTimeout:       30 * time.Second,
		HistoryMaxAge:      24 * time.Hour,
		CheckpointInterval: 12,
		ScoreLimit:         10,
		ScoreTimestep:      "5m",
		Params:             detector.DefaultParams(),
	}
}

// Deps are the collaborators of an Evaluator. Gate, States, Scores and Notifiers are optional.
type Deps struct {
	Prices    PriceSource
	Alerts    AlertStore
	States    StateStore
	Gate      detector.VolumeGate
	Scores    HistorySource
	Notifiers []Notifier
}

// Report summarizes one cycle.
type Report struct {
	CycleID     string
	Evaluated   int
	Triggered   int
	Deactivated int
	Notified    int
	Errors      int
	// Skipped counts alerts not dispatched because the context was cancelled.
	Skipped int
	// Stale counts results dropped because the alert was edited while being evaluated.
	Stale    int
	FetchErr error
	Duration time.Duration
}

type Evaluator struct {
	deps    Deps
	config  Config
	history *history.Buffer
	dumps   *detector.DumpStore

	mu         sync.Mutex // serializes cycles and checkpoints
	cycleCount int
}

func New(deps Deps, config Config) *Evaluator {
	if config.CheckpointInterval <= 0 {
		config.CheckpointInterval = DefaultConfig().CheckpointInterval
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultConfig().FetchTimeout
	}
	if config.ScoreTimestep == "" {
		config.ScoreTimestep = DefaultConfig().ScoreTimestep
	}
	return &Evaluator{
		deps:    deps,
		config:  config,
		history: history.NewBuffer(),
		dumps:   detector.NewDumpStore(),
	}
}

// Restore loads checkpointed history and dump state. Failures are logged and leave the
// corresponding state empty.
func (e *Evaluator) Restore() {
	if e.deps.States == nil {
		return
	}
	if data, err := e.deps.States.LoadHistory(); err != nil {
		logger.Warn("Failed to load price history checkpoint: %v", err)
	} else {
		e.history.Restore(data)
		logger.Info("Loaded %d price series from checkpoint", len(data))
	}
	if states, err := e.deps.States.LoadDumpStates(); err != nil {
		logger.Warn("Failed to load dump state checkpoint: %v", err)
	} else {
		e.dumps.Restore(states)
		logger.Info("Loaded %d dump states from checkpoint", len(states))
	}
}

// History exposes the price buffer, mainly for inspection in tests and metrics.
func (e *Evaluator) History() *history.Buffer { return e.history }

// Dumps exposes the dump detector state.
func (e *Evaluator) Dumps() *detector.DumpStore { return e.dumps }

type outcome struct {
	dispatched bool
	result     detector.Result
	err        error
}

// RunCycle performs one evaluation cycle at now. Cancelling ctx stops dispatching new
// alerts; alerts already started finish and are persisted.
func (e *Evaluator) RunCycle(ctx context.Context, now time.Time) Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	report := Report{CycleID: uuid.NewString()}
	log := logger.WithComponent("evaluator").With().Str("cycle_id", report.CycleID).Logger()
	defer func() {
		report.Duration = time.Since(start)
		metrics.CycleDuration.Observe(report.Duration.Seconds())
		status := "ok"
		if report.FetchErr != nil {
			status = "fetch_failed"
		}
		metrics.CyclesTotal.WithLabelValues(status).Inc()
	}()

	snapshot, err := e.fetchSnapshot(ctx)
	if err != nil {
		report.FetchErr = err
		return report
	}

	alerts, err := e.deps.Alerts.ActiveAlerts(ctx)
	if err != nil {
		report.FetchErr = fmt.Errorf("failed to load active alerts: %w", err)
		return report
	}
	metrics.ActiveAlerts.Set(float64(len(alerts)))

	var buckets map[int]models.VolumeBucket
	if hasType(alerts, models.TypeDump) {
		buckets = e.fetchBuckets(ctx)
	}

	e.prepareState(alerts, now)

	// Started evaluations and their writes run to completion even if ctx is cancelled.
	work := context.WithoutCancel(ctx)
	env := &detector.Env{
		Ctx:      work,
		Now:      now,
		Snapshot: snapshot,
		Buckets:  buckets,
		Gate:     e.deps.Gate,
		History:  e.history,
		Dumps:    e.dumps,
		Params:   e.config.Params,
	}

	outcomes := e.evaluateAll(ctx, env, alerts)

	var events []models.TriggerEvent
	for i, a := range alerts {
		out := outcomes[i]
		if !out.dispatched {
			report.Skipped++
			continue
		}
		report.Evaluated++
		metrics.AlertsEvaluated.WithLabelValues(string(a.Type), out.result.Status.String()).Inc()
		if out.err != nil {
			report.Errors++
			metrics.EvaluationErrors.WithLabelValues("evaluate").Inc()
			log.Warn().Err(out.err).Str("alert_id", a.ID).Msg("alert evaluation failed")
			continue
		}

		res, err := e.apply(work, a, out.result, now)
		if err != nil {
			report.Errors++
			metrics.EvaluationErrors.WithLabelValues("persist").Inc()
			log.Error().Err(err).Str("alert_id", a.ID).Msg("failed to persist alert state")
			continue
		}
		if res.stale {
			report.Stale++
			log.Debug().Str("alert_id", a.ID).Msg("alert changed during the cycle, result discarded")
			continue
		}
		if res.newlyTriggered {
			report.Triggered++
			metrics.AlertsTriggered.WithLabelValues(string(a.Type)).Inc()
		}
		if res.deactivated {
			report.Deactivated++
			metrics.AlertsDeactivated.WithLabelValues(string(a.Type)).Inc()
		}
		if res.event != nil {
			res.event.CycleID = report.CycleID
			events = append(events, *res.event)
		}
	}

	if len(events) > 0 {
		e.scoreEvents(work, events)
		report.Notified, report.Errors = e.notify(work, events, report.Errors)
	}

	e.cycleCount++
	if e.cycleCount%e.config.CheckpointInterval == 0 {
		e.checkpoint()
	}
	metrics.HistoryKeys.Set(float64(e.history.Keys()))

	log.Info().
		Int("evaluated", report.Evaluated).
		Int("triggered", report.Triggered).
		Int("deactivated", report.Deactivated).
		Int("notified", report.Notified).
		Int("errors", report.Errors).
		Int("skipped", report.Skipped).
		Int("stale", report.Stale).
		Msg("cycle complete")
	return report
}

func (e *Evaluator) fetchSnapshot(ctx context.Context) (*models.PriceSnapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.config.FetchTimeout)
	defer cancel()

	snapshot, err := e.deps.Prices.FetchSnapshot(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	if snapshot == nil {
		return nil, errors.New("failed to fetch prices: nil snapshot")
	}
	return snapshot, nil
}

// fetchBuckets returns nil on failure, which makes dump alerts unavailable this cycle.
func (e *Evaluator) fetchBuckets(ctx context.Context) map[int]models.VolumeBucket {
	fetchCtx, cancel := context.WithTimeout(ctx, e.config.FetchTimeout)
	defer cancel()

	list, err := e.deps.Prices.FetchVolumeBuckets(fetchCtx, "5m")
	if err != nil {
		logger.Warn("Failed to fetch volume buckets, dump alerts unavailable this cycle: %v", err)
		return nil
	}
	buckets := make(map[int]models.VolumeBucket, len(list))
	for _, b := range list {
		buckets[b.ItemID] = b
	}
	return buckets
}

// prepareState prunes history to what active alerts can still look up and drops dump
// state of alerts that are gone.
func (e *Evaluator) prepareState(alerts []*models.Alert, now time.Time) {
	maxAge := e.config.HistoryMaxAge
	if w := e.config.Params.HighWaterWindow; w > maxAge {
		maxAge = w
	}
	keep := make(map[string]bool)
	for _, a := range alerts {
		if a.Type == models.TypeSpike {
			if tf := a.Timeframe() + pruneMargin; tf > maxAge {
				maxAge = tf
			}
		}
		if a.Type == models.TypeDump {
			keep[a.ID] = true
		}
	}
	if n := e.history.Prune(maxAge, now); n > 0 {
		logger.Debug("Pruned %d history entries older than %v", n, maxAge)
	}
	if n := e.dumps.Retain(keep); n > 0 {
		logger.Debug("Dropped %d dump states of inactive alerts", n)
	}
}

// evaluateAll runs every alert sequentially or on a worker pool, stopping dispatch once
// ctx is cancelled.
func (e *Evaluator) evaluateAll(ctx context.Context, env *detector.Env, alerts []*models.Alert) []outcome {
	outcomes := make([]outcome, len(alerts))

	if e.config.Workers <= 1 {
		for i, a := range alerts {
			if ctx.Err() != nil {
				break
			}
			outcomes[i] = e.evaluateOne(env, a)
		}
		return outcomes
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < e.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = e.evaluateOne(env, alerts[i])
			}
		}()
	}

dispatch:
	for i := range alerts {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return outcomes
}

// evaluateOne never panics; a recovered panic is reported as an error for that alert.
func (e *Evaluator) evaluateOne(env *detector.Env, a *models.Alert) (out outcome) {
	out.dispatched = true
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithComponent("worker")
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("alert_id", a.ID).
				Msg("evaluation panic recovered")
			metrics.PanicsRecovered.WithLabelValues("evaluator").Inc()
			out.result = detector.Result{Status: detector.Unavailable}
			out.err = fmt.Errorf("panic evaluating alert %s: %v", a.ID, r)
		}
	}()

	out.result, out.err = detector.Evaluate(env, a)
	return out
}

// applied is what persisting one evaluation produced.
type applied struct {
	event          *models.TriggerEvent
	newlyTriggered bool
	deactivated    bool
	stale          bool
}

// apply updates a's lifecycle fields from result and persists them.
func (e *Evaluator) apply(ctx context.Context, a *models.Alert, result detector.Result, now time.Time) (applied, error) {
	var out applied

	items := result.Items
	if len(result.Held) > 0 {
		items = carryHeld(a.TriggeredData, result.Items, result.Held)
	}
	status := result.Status
	if status == detector.Triggered && len(items) == 0 {
		// Only held items, none of which has a stored trigger to keep.
		status = detector.Clear
	}

	switch status {
	case detector.Triggered:
		decision, err := change.Decide(a.TriggeredData, items, a.NotificationsEnabled)
		if err != nil {
			return out, err
		}
		wasTriggered := a.IsTriggered
		if !wasTriggered {
			at := now
			a.TriggeredAt = &at
		}
		a.IsTriggered = true
		a.TriggeredData = decision.TriggeredData
		if decision.ResetDismissed {
			a.IsDismissed = false
		}
		deactivated := a.DeactivatesOnCoverage() && result.FullCoverage()
		if deactivated {
			a.IsActive = false
		}
		saved, err := e.deps.Alerts.SaveTriggerState(ctx, a)
		if err != nil {
			return out, err
		}
		if !saved {
			out.stale = true
			return out, nil
		}
		out.newlyTriggered = !wasTriggered || decision.Changed
		out.deactivated = deactivated
		if decision.Changed && a.NotificationsEnabled {
			out.event = &models.TriggerEvent{
				AlertID:   a.ID,
				AlertName: a.Name,
				Type:      a.Type,
				Items:     items,
				At:        now,
			}
		}
		return out, nil

	case detector.Clear:
		if !a.IsTriggered && a.TriggeredData == "[]" {
			return out, nil
		}
		a.IsTriggered = false
		a.TriggeredData = "[]"
		saved, err := e.deps.Alerts.SaveTriggerState(ctx, a)
		out.stale = err == nil && !saved
		return out, err
	}

	// Warmup and missing data leave the stored state untouched.
	return out, nil
}

// carryHeld merges the stored trigger details of held items into items, ordered by item id.
// Held items without stored details are dropped.
func carryHeld(previous string, items []models.TriggeredItem, heldIDs []int) []models.TriggeredItem {
	stored, err := models.DecodeTriggered(previous)
	if err != nil {
		return items
	}
	byID := make(map[int]models.TriggeredItem, len(stored))
	for _, it := range stored {
		byID[it.ItemID] = it
	}
	merged := append([]models.TriggeredItem(nil), items...)
	for _, id := range heldIDs {
		if it, ok := byID[id]; ok {
			merged = append(merged, it)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ItemID < merged[j].ItemID })
	return merged
}

// scoreEvents attaches confidence scores, fetching at most ScoreLimit series per cycle.
func (e *Evaluator) scoreEvents(ctx context.Context, events []models.TriggerEvent) {
	if !e.config.ScoreTriggers || e.deps.Scores == nil {
		return
	}
	budget := e.config.ScoreLimit
	cache := make(map[int]float64)
	for i := range events {
		for _, it := range events[i].Items {
			score, ok := cache[it.ItemID]
			if !ok {
				if budget <= 0 {
					continue
				}
				budget--
				points, err := e.deps.Scores.FetchHistoricalSeries(ctx, it.ItemID, e.config.ScoreTimestep)
				if err != nil {
					logger.Warn("Failed to fetch timeseries for item %d: %v", it.ItemID, err)
					continue
				}
				score = confidence.Score(points)
				cache[it.ItemID] = score
			}
			if events[i].Confidence == nil {
				events[i].Confidence = make(map[int]float64)
			}
			events[i].Confidence[it.ItemID] = score
		}
	}
}

func (e *Evaluator) notify(ctx context.Context, events []models.TriggerEvent, errs int) (int, int) {
	sent := 0
	for _, ev := range events {
		delivered := false
		for _, n := range e.deps.Notifiers {
			if err := n.Notify(ctx, ev); err != nil {
				errs++
				metrics.EvaluationErrors.WithLabelValues("notify").Inc()
				metrics.NotificationsSent.WithLabelValues(n.Name(), "failed").Inc()
				logger.Error("Failed to notify %s for alert %s: %v", n.Name(), ev.AlertID, err)
				continue
			}
			metrics.NotificationsSent.WithLabelValues(n.Name(), "success").Inc()
			delivered = true
		}
		if delivered {
			sent++
		}
	}
	return sent, errs
}

func (e *Evaluator) checkpoint() {
	if e.deps.States == nil {
		return
	}
	if err := e.deps.States.SaveHistory(e.history.Snapshot()); err != nil {
		logger.Warn("Failed to checkpoint price history: %v", err)
	}
	if err := e.deps.States.SaveDumpStates(e.dumps.Snapshot()); err != nil {
		logger.Warn("Failed to checkpoint dump state: %v", err)
	}
}

// Shutdown checkpoints state. It waits for an in-flight cycle to finish.
func (e *Evaluator) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	logger.Info("Checkpointing %d price series and %d dump states before shutdown",
		e.history.Keys(), e.dumps.Len())
	e.checkpoint()
}

func hasType(alerts []*models.Alert, typ models.AlertType) bool {
	for _, a := range alerts {
		if a.Type == typ {
			return true
		}
	}
	return false
}
