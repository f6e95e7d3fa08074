package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/app"
	"github.com/fractal-lba/ragguard/internal/eval"
	"github.com/fractal-lba/ragguard/internal/journal"
	"github.com/fractal-lba/ragguard/internal/pipeline"
)

var (
	suiteFile    string
	pipelineKind string
	pipelineURL  string
	tagFilter    string
	journalPath  string
	resume       bool
	minPassRate  float64
)

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run evaluation suites",
	}
	cmd.AddCommand(evalRunCmd())
	return cmd
}

// evalRunCmd runs a suite through one pipeline and prints the report
func evalRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a test suite against a pipeline",
		Long: `Runs every case of a suite through the selected pipeline and scores it on
faithfulness, answer relevance, context precision, context recall and
hallucination rate. With --journal each result is appended to a JSON-lines
file as it completes; --resume skips cases the journal already holds and
reports on the journaled results together with the new ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			suite, err := eval.LoadSuite(suiteFile)
			if err != nil {
				return fmt.Errorf("failed to load suite: %w", err)
			}
			if suite.PassThreshold > 0 {
				cfg.Eval.PassThreshold = suite.PassThreshold
			}

			cases := eval.Filter(suite.Cases, tagFilter)
			if len(cases) == 0 {
				fmt.Println("Nothing to evaluate.")
				return nil
			}

			var prior []api.EvalResult
			var opts []app.Option
			if journalPath != "" {
				if resume {
					if prior, err = journal.Replay(journalPath); err != nil {
						return fmt.Errorf("failed to replay journal: %w", err)
					}
				}
				j, err := journal.Open(journalPath)
				if err != nil {
					return err
				}
				defer j.Close()
				opts = append(opts, app.WithRecorder(j))
			}

			evaluate := func(ctx context.Context, todo []eval.TestCase) (api.EvalRunResult, error) {
				a, err := app.New(cfg, prometheus.NewRegistry(), slog.Default(), opts...)
				if err != nil {
					return api.EvalRunResult{}, err
				}
				defer a.Close()

				p, err := a.Pipelines().Build(map[string]any{"kind": pipelineKind, "url": pipelineURL})
				if err != nil {
					return api.EvalRunResult{}, err
				}
				return a.Evaluator.Run(ctx, suite.Name, todo, p)
			}

			run, err := resumeSuite(ctx, suite.Name, cases, prior, cfg.Eval.PassThreshold, evaluate)
			if err != nil {
				return fmt.Errorf("evaluation failed: %w", err)
			}

			if jsonOutput {
				err = printJSON(os.Stdout, run)
			} else {
				err = eval.RenderReport(os.Stdout, run)
			}
			if err != nil {
				return err
			}
			return checkPassRate(run, minPassRate)
		},
	}

	cmd.Flags().StringVarP(&suiteFile, "suite", "s", "", "Test suite file (YAML or JSON)")
	cmd.Flags().StringVar(&pipelineKind, "pipeline", pipeline.KindSelfRAG, "Pipeline: selfrag, corrective or remote")
	cmd.Flags().StringVar(&pipelineURL, "url", "", "Endpoint of a remote pipeline")
	cmd.Flags().StringVar(&tagFilter, "tag", "", "Only run cases carrying this tag")
	cmd.Flags().StringVar(&journalPath, "journal", "", "Append results to this JSON-lines file")
	cmd.Flags().BoolVar(&resume, "resume", false, "Skip cases already completed in the journal")
	cmd.Flags().Float64Var(&minPassRate, "min-pass-rate", 0, "Fail when the fraction of passing cases is lower")
	cmd.MarkFlagRequired("suite")

	return cmd
}

// resumeSuite evaluates the cases prior does not already hold a successful
// result for and reports on the whole suite: journaled results for finished
// cases, in suite order, followed by the fresh ones. evaluate is not called
// when every case is already finished.
func resumeSuite(ctx context.Context, name string, cases []eval.TestCase, prior []api.EvalResult,
	passThreshold float64, evaluate func(context.Context, []eval.TestCase) (api.EvalRunResult, error)) (api.EvalRunResult, error) {
	done := journal.Completed(prior)
	last := make(map[string]api.EvalResult, len(done))
	for _, r := range prior {
		if done[r.CaseID] {
			last[r.CaseID] = r
		}
	}

	results := make([]api.EvalResult, 0, len(cases))
	for _, tc := range cases {
		if r, ok := last[tc.ID]; ok {
			results = append(results, r)
		}
	}

	var fresh api.EvalRunResult
	if todo := pending(cases, done); len(todo) > 0 {
		var err error
		if fresh, err = evaluate(ctx, todo); err != nil {
			return api.EvalRunResult{}, err
		}
		results = append(results, fresh.Results...)
	}

	run := eval.Aggregate(results, passThreshold)
	run.RunID = fresh.RunID
	run.Name = name
	run.StartedAt = fresh.StartedAt
	run.Duration = fresh.Duration
	return run, nil
}

// checkPassRate fails when the fraction of passing cases is below required.
func checkPassRate(run api.EvalRunResult, required float64) error {
	if run.TotalCases == 0 {
		return nil
	}
	if rate := float64(run.PassedCases) / float64(run.TotalCases); rate < required {
		return fmt.Errorf("pass rate %.1f%% below required %.1f%%", rate*100, required*100)
	}
	return nil
}

// pending drops cases whose IDs are in done.
func pending(cases []eval.TestCase, done map[string]bool) []eval.TestCase {
	out := make([]eval.TestCase, 0, len(cases))
	for _, tc := range cases {
		if !done[tc.ID] {
			out = append(out, tc)
		}
	}
	return out
}
