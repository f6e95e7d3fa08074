// Package abtest runs controlled experiments between competing RAG
// pipeline configurations: sticky traffic assignment, per-variant running
// statistics, and a z-test winner determination.
package abtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/eval"
	"github.com/fractal-lba/ragguard/internal/metrics"
	tracing "github.com/fractal-lba/ragguard/pkg/otel"
)

const tracerName = "ragguard/abtest"

var (
	ErrInvalidTrafficSplit = errors.New("abtest: traffic split must cover every variant and sum to 1")
	ErrTooFewVariants      = errors.New("abtest: an experiment needs at least two variants")
	ErrInvalidVariant      = errors.New("abtest: variant has no id")
	ErrDuplicateVariant    = errors.New("abtest: duplicate variant id")
	ErrExperimentNotFound  = errors.New("abtest: experiment not found")
	ErrVariantNotFound     = errors.New("abtest: variant not found")
	ErrCannotStart         = errors.New("abtest: only draft or paused experiments can be started")
	ErrCannotPause         = errors.New("abtest: only running experiments can be paused")
	ErrCannotCancel        = errors.New("abtest: experiment already finished")
	ErrNotRunning          = errors.New("abtest: experiment is not running")
	ErrMissingPipeline     = errors.New("abtest: no pipeline for variant")
	ErrInvalidResult       = errors.New("abtest: result scores must lie in [0, 1]")
)

// splitTolerance is the allowed deviation of the traffic split sum from 1.
const splitTolerance = 0.01

// snapshotEvery is the number of recorded results between snapshots.
// Creation, transitions and Close always snapshot.
const snapshotEvery = 100

// Config holds experiment defaults.
type Config struct {
	MinSamplesPerVariant int     // samples each of the top two variants needs before a winner is called
	MinScoreDelta        float64 // smallest overall-score gap worth testing
	SnapshotPath         string  // optional JSON file persisting all experiments
}

// DefaultConfig returns the standard experiment defaults.
func DefaultConfig() Config {
	return Config{
		MinSamplesPerVariant: 30,
		MinScoreDelta:        0.05,
	}
}

// NewExperiment describes an experiment to create. An empty TrafficSplit
// splits traffic evenly.
type NewExperiment struct {
	Name                 string             `json:"name"`
	Description          string             `json:"description,omitempty"`
	Variants             []api.Variant      `json:"variants"`
	TrafficSplit         map[string]float64 `json:"traffic_split,omitempty"`
	MinSamplesPerVariant int                `json:"min_samples_per_variant,omitempty"`
}

// Engine owns experiments and their lifecycle. It is safe for concurrent use.
type Engine struct {
	mu          sync.RWMutex
	experiments map[string]*api.Experiment
	unsaved     int // results recorded since the last snapshot

	cfg     Config
	rand    func() float64
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand sets the source of random draws for anonymous assignment.
func WithRand(f func() float64) Option {
	return func(e *Engine) { e.rand = f }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine, loading the snapshot at cfg.SnapshotPath if one
// exists.
func New(cfg Config, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.MinSamplesPerVariant <= 0 {
		cfg.MinSamplesPerVariant = def.MinSamplesPerVariant
	}
	if cfg.MinScoreDelta <= 0 {
		cfg.MinScoreDelta = def.MinScoreDelta
	}
	e := &Engine{
		experiments: make(map[string]*api.Experiment),
		cfg:         cfg,
		rand:        rand.Float64,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.SnapshotPath != "" {
		if err := e.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Close persists the snapshot, if configured.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.saveSnapshotLocked(); err != nil {
		return err
	}
	e.unsaved = 0
	return nil
}

// CreateExperiment validates spec and stores a draft experiment.
func (e *Engine) CreateExperiment(spec NewExperiment) (*api.Experiment, error) {
	if len(spec.Variants) < 2 {
		return nil, ErrTooFewVariants
	}
	seen := make(map[string]bool, len(spec.Variants))
	for i, v := range spec.Variants {
		if v.ID == "" {
			return nil, fmt.Errorf("variant %d: %w", i, ErrInvalidVariant)
		}
		if seen[v.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVariant, v.ID)
		}
		seen[v.ID] = true
	}

	split := spec.TrafficSplit
	if len(split) == 0 {
		split = make(map[string]float64, len(spec.Variants))
		for _, v := range spec.Variants {
			split[v.ID] = 1 / float64(len(spec.Variants))
		}
	}
	if err := validateSplit(spec.Variants, split); err != nil {
		return nil, err
	}

	minSamples := spec.MinSamplesPerVariant
	if minSamples <= 0 {
		minSamples = e.cfg.MinSamplesPerVariant
	}

	exp := &api.Experiment{
		ID:                   uuid.NewString(),
		Name:                 spec.Name,
		Description:          spec.Description,
		Status:               api.StatusDraft,
		Variants:             append([]api.Variant(nil), spec.Variants...),
		TrafficSplit:         make(map[string]float64, len(split)),
		MinSamplesPerVariant: minSamples,
		Results:              make(map[string]*api.VariantResult, len(spec.Variants)),
		CreatedAt:            e.now(),
	}
	for k, v := range split {
		exp.TrafficSplit[k] = v
	}
	for _, v := range spec.Variants {
		exp.Results[v.ID] = &api.VariantResult{VariantID: v.ID, EvalResults: []api.EvalResult{}}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments[exp.ID] = exp
	e.persistLocked()
	e.logger.Info("experiment created", "experiment_id", exp.ID, "name", exp.Name, "variants", len(exp.Variants))
	return clone(exp), nil
}

func validateSplit(variants []api.Variant, split map[string]float64) error {
	if len(split) != len(variants) {
		return fmt.Errorf("%w: %d weights for %d variants", ErrInvalidTrafficSplit, len(split), len(variants))
	}
	sum := 0.0
	for _, v := range variants {
		w, ok := split[v.ID]
		if !ok {
			return fmt.Errorf("%w: no weight for variant %s", ErrInvalidTrafficSplit, v.ID)
		}
		if w < 0 {
			return fmt.Errorf("%w: negative weight for variant %s", ErrInvalidTrafficSplit, v.ID)
		}
		sum += w
	}
	if math.Abs(sum-1) > splitTolerance {
		return fmt.Errorf("%w: weights sum to %.3f", ErrInvalidTrafficSplit, sum)
	}
	return nil
}

// GetExperiment returns a copy of the experiment.
func (e *Engine) GetExperiment(id string) (*api.Experiment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exp, ok := e.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	return clone(exp), nil
}

// ListExperiments returns copies of all experiments, oldest first.
func (e *Engine) ListExperiments() []*api.Experiment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*api.Experiment, 0, len(e.experiments))
	for _, exp := range e.experiments {
		out = append(out, clone(exp))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Start moves a draft or paused experiment to running.
func (e *Engine) Start(id string) error {
	return e.transition(id, func(exp *api.Experiment) error {
		if exp.Status != api.StatusDraft && exp.Status != api.StatusPaused {
			return fmt.Errorf("%w: %s is %s", ErrCannotStart, exp.ID, exp.Status)
		}
		if exp.StartedAt == nil {
			t := e.now()
			exp.StartedAt = &t
		}
		exp.Status = api.StatusRunning
		return nil
	})
}

// Pause moves a running experiment to paused.
func (e *Engine) Pause(id string) error {
	return e.transition(id, func(exp *api.Experiment) error {
		if exp.Status != api.StatusRunning {
			return fmt.Errorf("%w: %s is %s", ErrCannotPause, exp.ID, exp.Status)
		}
		exp.Status = api.StatusPaused
		return nil
	})
}

// Cancel ends an experiment that has not completed.
func (e *Engine) Cancel(id string) error {
	return e.transition(id, func(exp *api.Experiment) error {
		if exp.Status == api.StatusCompleted || exp.Status == api.StatusCancelled {
			return fmt.Errorf("%w: %s is %s", ErrCannotCancel, exp.ID, exp.Status)
		}
		t := e.now()
		exp.EndedAt = &t
		exp.Status = api.StatusCancelled
		return nil
	})
}

func (e *Engine) complete(id string) error {
	return e.transition(id, func(exp *api.Experiment) error {
		if exp.Status != api.StatusRunning {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, exp.ID, exp.Status)
		}
		t := e.now()
		exp.EndedAt = &t
		exp.Status = api.StatusCompleted
		return nil
	})
}

func (e *Engine) transition(id string, apply func(*api.Experiment) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp, ok := e.experiments[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	from := exp.Status
	if err := apply(exp); err != nil {
		return err
	}
	e.persistLocked()
	e.metrics.ExperimentTransition(string(exp.Status))
	e.logger.Info("experiment transition", "experiment_id", id, "from", from, "to", exp.Status)
	return nil
}

// AssignVariant picks the variant serving a request. A non-empty userID is
// hashed with the experiment ID so a user always lands on the same variant;
// otherwise the draw is random.
func (e *Engine) AssignVariant(experimentID, userID string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exp, ok := e.experiments[experimentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	if exp.Status != api.StatusRunning {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRunning, exp.ID, exp.Status)
	}

	var x float64
	if userID != "" {
		x = bucket(userID, experimentID)
	} else {
		x = e.rand()
	}
	return pick(exp, x), nil
}

// pick walks the cumulative split in variant order.
func pick(exp *api.Experiment, x float64) string {
	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += exp.TrafficSplit[v.ID]
		if x < cumulative {
			return v.ID
		}
	}
	return exp.Variants[len(exp.Variants)-1].ID
}

// RecordResult appends an evaluation to a variant of a running experiment
// and recomputes the variant's statistics.
func (e *Engine) RecordResult(experimentID, variantID string, result api.EvalResult) error {
	if err := validateResult(result); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	exp, ok := e.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	if exp.Status != api.StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, exp.ID, exp.Status)
	}
	vr, ok := exp.Results[variantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
	}

	vr.EvalResults = append(vr.EvalResults, result)
	recompute(vr)
	e.metrics.ExperimentResult(result.Error != "")
	e.unsaved++
	if e.unsaved >= snapshotEvery {
		e.persistLocked()
	}
	return nil
}

func validateResult(r api.EvalResult) error {
	scores := []struct {
		name  string
		value float64
	}{
		{"overall_score", r.OverallScore},
		{"faithfulness", r.Metrics.Faithfulness.Score},
		{"answer_relevance", r.Metrics.AnswerRelevance.Score},
		{"context_precision", r.Metrics.ContextPrecision.Score},
		{"context_recall", r.Metrics.ContextRecall.Score},
		{"hallucination_rate", r.Metrics.HallucinationRate.Score},
	}
	for _, s := range scores {
		if math.IsNaN(s.value) || s.value < 0 || s.value > 1 {
			return fmt.Errorf("%w: %s is %v", ErrInvalidResult, s.name, s.value)
		}
	}
	if r.ProcessingTime < 0 {
		return fmt.Errorf("%w: negative processing time", ErrInvalidResult)
	}
	return nil
}

// RunExperiment evaluates cases through every variant's pipeline, records
// all results and completes the experiment. Draft and paused experiments
// are started first. Results are recorded only once every variant has been
// evaluated, so a cancelled run leaves the experiment untouched.
func (e *Engine) RunExperiment(ctx context.Context, experimentID string, ev *eval.Evaluator, cases []eval.TestCase, pipelines map[string]eval.Pipeline) (*api.ExperimentReport, error) {
	exp, err := e.GetExperiment(experimentID)
	if err != nil {
		return nil, err
	}
	for _, v := range exp.Variants {
		if pipelines[v.ID] == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingPipeline, v.ID)
		}
	}
	if exp.Status != api.StatusRunning {
		if err := e.Start(experimentID); err != nil {
			return nil, err
		}
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "abtest.run_experiment", tracing.ExperimentAttributes(experimentID, "")...)
	defer span.End()

	runs := make([]api.EvalRunResult, len(exp.Variants))
	for i, v := range exp.Variants {
		run, err := ev.Run(ctx, exp.Name+"/"+v.ID, cases, pipelines[v.ID])
		if err != nil {
			tracing.RecordError(span, err, "variant evaluation failed")
			return nil, fmt.Errorf("variant %s: %w", v.ID, err)
		}
		runs[i] = run
		e.logger.Info("variant evaluated", "experiment_id", experimentID, "variant_id", v.ID,
			"cases", run.TotalCases, "avg_overall", run.AvgOverallScore)
	}
	if err := ctx.Err(); err != nil {
		tracing.RecordError(span, err, "experiment run cancelled")
		return nil, fmt.Errorf("experiment %s: %w", experimentID, err)
	}

	for i, v := range exp.Variants {
		for _, r := range runs[i].Results {
			if err := e.RecordResult(experimentID, v.ID, r); err != nil {
				return nil, err
			}
		}
	}
	if err := e.complete(experimentID); err != nil {
		return nil, err
	}
	return e.GenerateReport(experimentID)
}

// GenerateReport ranks variants by average overall score and, when the top
// two have enough samples and differ by more than MinScoreDelta, calls a
// winner with z-test confidence.
func (e *Engine) GenerateReport(experimentID string) (*api.ExperimentReport, error) {
	exp, err := e.GetExperiment(experimentID)
	if err != nil {
		return nil, err
	}

	ranking := make([]api.VariantResult, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		ranking = append(ranking, *exp.Results[v.ID])
	}
	sort.SliceStable(ranking, func(i, j int) bool {
		return ranking[i].AvgOverallScore > ranking[j].AvgOverallScore
	})

	report := &api.ExperimentReport{
		Experiment:  exp,
		Ranking:     ranking,
		GeneratedAt: e.now(),
	}
	report.Winner, report.Recommendation = e.decide(exp, ranking)
	return report, nil
}

func (e *Engine) decide(exp *api.Experiment, ranking []api.VariantResult) (*api.Winner, string) {
	best, second := ranking[0], ranking[1]
	need := exp.MinSamplesPerVariant

	if best.Samples < need || second.Samples < need {
		return nil, fmt.Sprintf("Insufficient samples: each of the top two variants needs at least %d results (%s has %d, %s has %d).",
			need, best.VariantID, best.Samples, second.VariantID, second.Samples)
	}

	delta := best.AvgOverallScore - second.AvgOverallScore
	if delta <= e.cfg.MinScoreDelta {
		return nil, fmt.Sprintf("No meaningful difference: %s leads %s by %.3f, below the %.2f threshold.",
			best.VariantID, second.VariantID, delta, e.cfg.MinScoreDelta)
	}

	z := ZScore(delta, best.StdDevOverallScore, best.Samples, second.StdDevOverallScore, second.Samples)
	conf := math.Min(NormalCDF(z), 0.99)

	improvement := delta * 100
	if second.AvgOverallScore > 0 {
		improvement = delta / second.AvgOverallScore * 100
	}
	winner := &api.Winner{VariantID: best.VariantID, Confidence: conf, Improvement: improvement}

	switch {
	case conf >= 0.95:
		return winner, fmt.Sprintf("Deploy %s: it beats %s by %.1f%% with %.0f%% confidence.",
			best.VariantID, second.VariantID, improvement, conf*100)
	case conf >= 0.80:
		return winner, fmt.Sprintf("%s is promising (+%.1f%%, %.0f%% confidence); collect more samples before deploying.",
			best.VariantID, improvement, conf*100)
	default:
		return winner, fmt.Sprintf("Inconclusive: %s leads by %.1f%% but confidence is only %.0f%%.",
			best.VariantID, improvement, conf*100)
	}
}

func clone(exp *api.Experiment) *api.Experiment {
	c := *exp
	c.Variants = append([]api.Variant(nil), exp.Variants...)
	c.TrafficSplit = make(map[string]float64, len(exp.TrafficSplit))
	for k, v := range exp.TrafficSplit {
		c.TrafficSplit[k] = v
	}
	c.Results = make(map[string]*api.VariantResult, len(exp.Results))
	for k, v := range exp.Results {
		vr := *v
		vr.EvalResults = append([]api.EvalResult{}, v.EvalResults...)
		c.Results[k] = &vr
	}
	if exp.StartedAt != nil {
		t := *exp.StartedAt
		c.StartedAt = &t
	}
	if exp.EndedAt != nil {
		t := *exp.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func (e *Engine) persistLocked() {
	if err := e.saveSnapshotLocked(); err != nil {
		e.logger.Error("failed to save experiment snapshot", "path", e.cfg.SnapshotPath, "error", err)
		return
	}
	e.unsaved = 0
}

func (e *Engine) loadSnapshot() error {
	data, err := os.ReadFile(e.cfg.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read experiment snapshot: %w", err)
	}

	var snapshot map[string]*api.Experiment
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal experiment snapshot: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, exp := range snapshot {
		if exp.Results == nil {
			exp.Results = make(map[string]*api.VariantResult)
		}
		for _, v := range exp.Variants {
			if exp.Results[v.ID] == nil {
				exp.Results[v.ID] = &api.VariantResult{VariantID: v.ID, EvalResults: []api.EvalResult{}}
			}
		}
		e.experiments[id] = exp
	}
	e.logger.Info("experiment snapshot loaded", "path", e.cfg.SnapshotPath, "experiments", len(snapshot))
	return nil
}

// saveSnapshotLocked writes the snapshot atomically. Callers hold e.mu.
func (e *Engine) saveSnapshotLocked() error {
	if e.cfg.SnapshotPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(e.experiments, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(e.cfg.SnapshotPath), ".experiments-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), e.cfg.SnapshotPath)
}
