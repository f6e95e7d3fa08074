//go:build cucumber

package abtest

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/fractal-lba/ragguard/internal/api"
)

// TestExperimentScenarios runs the experiment lifecycle feature.
func TestExperimentScenarios(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "experiment-lifecycle",
		ScenarioInitializer: InitializeExperimentScenario,
		Options: &godog.Options{
			Format:    "pretty",
			Paths:     []string{filepath.Join("testdata", "experiment.feature")},
			Strict:    true,
			TestingT:  t,
			Randomize: 0,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

// InitializeExperimentScenario wires steps for experiment scenarios.
func InitializeExperimentScenario(ctx *godog.ScenarioContext) {
	state := &experimentState{}
	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		state.reset()
		return ctx, nil
	})

	ctx.Step(`^an experiment with variants "([^"]+)" and "([^"]+)" split 50/50$`, state.givenExperiment)
	ctx.Step(`^a minimum of (\d+) samples per variant$`, state.givenMinSamples)
	ctx.Step(`^the experiment is started$`, state.givenStarted)
	ctx.Step(`^I pause the experiment$`, state.whenPause)
	ctx.Step(`^user "([^"]+)" is assigned (\d+) times$`, state.whenAssigned)
	ctx.Step(`^I record a score of ([0-9.]+) for "([^"]+)"$`, state.whenRecordOne)
	ctx.Step(`^I record scores ([0-9., ]+) for "([^"]+)"$`, state.whenRecordMany)
	ctx.Step(`^I generate the report$`, state.whenGenerateReport)
	ctx.Step(`^the operation fails with "([^"]+)"$`, state.thenFailsWith)
	ctx.Step(`^the experiment status is "([^"]+)"$`, state.thenStatus)
	ctx.Step(`^every assignment is the same variant$`, state.thenSticky)
	ctx.Step(`^the winner is "([^"]+)"$`, state.thenWinner)
	ctx.Step(`^there is no winner$`, state.thenNoWinner)
	ctx.Step(`^the recommendation contains "([^"]+)"$`, state.thenRecommendation)
}

// experimentState holds scenario state for experiment feature tests.
type experimentState struct {
	variants    []string
	minSamples  int
	engine      *Engine
	id          string
	lastErr     error
	assignments []string
	report      *api.ExperimentReport
}

func (s *experimentState) reset() {
	*s = experimentState{}
}

func (s *experimentState) givenExperiment(a, b string) error {
	s.variants = []string{a, b}
	return nil
}

func (s *experimentState) givenMinSamples(n int) error {
	s.minSamples = n
	return s.create()
}

func (s *experimentState) create() error {
	engine, err := New(DefaultConfig())
	if err != nil {
		return err
	}
	exp, err := engine.CreateExperiment(NewExperiment{
		Name:                 "feature",
		Variants:             []api.Variant{{ID: s.variants[0]}, {ID: s.variants[1]}},
		TrafficSplit:         map[string]float64{s.variants[0]: 0.5, s.variants[1]: 0.5},
		MinSamplesPerVariant: s.minSamples,
	})
	if err != nil {
		return err
	}
	s.engine, s.id = engine, exp.ID
	return nil
}

func (s *experimentState) givenStarted() error {
	return s.engine.Start(s.id)
}

func (s *experimentState) whenPause() error {
	s.lastErr = s.engine.Pause(s.id)
	return nil
}

func (s *experimentState) whenAssigned(user string, times int) error {
	for i := 0; i < times; i++ {
		v, err := s.engine.AssignVariant(s.id, user)
		if err != nil {
			return err
		}
		s.assignments = append(s.assignments, v)
	}
	return nil
}

func (s *experimentState) whenRecordOne(score float64, variant string) error {
	s.lastErr = s.engine.RecordResult(s.id, variant, api.EvalResult{OverallScore: score})
	return nil
}

func (s *experimentState) whenRecordMany(scores, variant string) error {
	for _, raw := range strings.Split(scores, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return err
		}
		if err := s.engine.RecordResult(s.id, variant, api.EvalResult{OverallScore: v}); err != nil {
			return err
		}
	}
	return nil
}

func (s *experimentState) whenGenerateReport() error {
	r, err := s.engine.GenerateReport(s.id)
	s.report = r
	return err
}

func (s *experimentState) thenFailsWith(msg string) error {
	if s.lastErr == nil {
		return fmt.Errorf("expected error containing %q, got nil", msg)
	}
	if !strings.Contains(s.lastErr.Error(), msg) {
		return fmt.Errorf("expected error containing %q, got %q", msg, s.lastErr)
	}
	return nil
}

func (s *experimentState) thenStatus(want string) error {
	exp, err := s.engine.GetExperiment(s.id)
	if err != nil {
		return err
	}
	if string(exp.Status) != want {
		return fmt.Errorf("expected status %s, got %s", want, exp.Status)
	}
	return nil
}

func (s *experimentState) thenSticky() error {
	for _, v := range s.assignments {
		if v != s.assignments[0] {
			return fmt.Errorf("assignments changed: %v", s.assignments)
		}
	}
	return nil
}

func (s *experimentState) thenWinner(want string) error {
	if s.report.Winner == nil {
		return fmt.Errorf("expected winner %s, got none (%s)", want, s.report.Recommendation)
	}
	if s.report.Winner.VariantID != want {
		return fmt.Errorf("expected winner %s, got %s", want, s.report.Winner.VariantID)
	}
	return nil
}

func (s *experimentState) thenNoWinner() error {
	if s.report.Winner != nil {
		return fmt.Errorf("expected no winner, got %s", s.report.Winner.VariantID)
	}
	return nil
}

func (s *experimentState) thenRecommendation(want string) error {
	if !strings.Contains(s.report.Recommendation, want) {
		return fmt.Errorf("expected recommendation containing %q, got %q", want, s.report.Recommendation)
	}
	return nil
}
