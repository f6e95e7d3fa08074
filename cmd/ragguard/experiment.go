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
	"gopkg.in/yaml.v3"

	"github.com/fractal-lba/ragguard/internal/abtest"
	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/app"
	"github.com/fractal-lba/ragguard/internal/eval"
)

var experimentFile string

// experimentSpec is the on-disk form of an experiment definition.
type experimentSpec struct {
	Name                 string             `yaml:"name"`
	Description          string             `yaml:"description"`
	MinSamplesPerVariant int                `yaml:"min_samples_per_variant"`
	TrafficSplit         map[string]float64 `yaml:"traffic_split"`
	Variants             []struct {
		ID          string         `yaml:"id"`
		Name        string         `yaml:"name"`
		Description string         `yaml:"description"`
		Pipeline    map[string]any `yaml:"pipeline"`
	} `yaml:"variants"`
}

func loadExperimentSpec(path string) (abtest.NewExperiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abtest.NewExperiment{}, fmt.Errorf("failed to read experiment: %w", err)
	}
	var spec experimentSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return abtest.NewExperiment{}, fmt.Errorf("failed to parse experiment: %w", err)
	}
	out := abtest.NewExperiment{
		Name:                 spec.Name,
		Description:          spec.Description,
		TrafficSplit:         spec.TrafficSplit,
		MinSamplesPerVariant: spec.MinSamplesPerVariant,
	}
	for _, v := range spec.Variants {
		out.Variants = append(out.Variants, api.Variant{
			ID:          v.ID,
			Name:        v.Name,
			Description: v.Description,
			Config:      v.Pipeline,
		})
	}
	return out, nil
}

func experimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Run and inspect A/B experiments between pipeline variants",
	}
	cmd.AddCommand(experimentRunCmd())
	cmd.AddCommand(experimentListCmd())
	cmd.AddCommand(experimentReportCmd())
	return cmd
}

// experimentRunCmd creates an experiment and runs a suite through every variant
func experimentRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create an experiment and evaluate every variant on a suite",
		Long: `Creates the experiment described by --experiment, runs every case of --suite
through each variant's pipeline, records the scores and prints the report.
Each variant's "pipeline" map selects kind (selfrag, corrective, remote) and
its parameters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			spec, err := loadExperimentSpec(experimentFile)
			if err != nil {
				return err
			}
			suite, err := eval.LoadSuite(suiteFile)
			if err != nil {
				return fmt.Errorf("failed to load suite: %w", err)
			}

			a, err := app.New(cfg, prometheus.NewRegistry(), slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			pipelines, err := a.Pipelines().ForVariants(spec.Variants)
			if err != nil {
				return err
			}
			exp, err := a.Engine.CreateExperiment(spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Experiment %s: %d variants x %d cases\n", exp.ID, len(exp.Variants), len(suite.Cases))

			report, err := a.Engine.RunExperiment(ctx, exp.ID, a.Evaluator, suite.Cases, pipelines)
			if err != nil {
				return fmt.Errorf("experiment failed: %w", err)
			}
			if jsonOutput {
				return printJSON(os.Stdout, report)
			}
			return abtest.RenderReport(os.Stdout, report)
		},
	}

	cmd.Flags().StringVarP(&experimentFile, "experiment", "e", "", "Experiment definition (YAML)")
	cmd.Flags().StringVarP(&suiteFile, "suite", "s", "", "Test suite file (YAML or JSON)")
	cmd.MarkFlagRequired("experiment")
	cmd.MarkFlagRequired("suite")

	return cmd
}

// openEngine loads persisted experiments without wiring an LLM.
func openEngine() (*abtest.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return abtest.New(cfg.ExperimentConfig(), abtest.WithLogger(slog.Default()))
}

func experimentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			exps := engine.ListExperiments()
			if jsonOutput {
				return printJSON(os.Stdout, exps)
			}
			for _, exp := range exps {
				fmt.Printf("%s  %-10s  %s (%d variants)\n", exp.ID, exp.Status, exp.Name, len(exp.Variants))
			}
			return nil
		},
	}
}

func experimentReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <experiment-id>",
		Short: "Print the report of a persisted experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			report, err := engine.GenerateReport(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, report)
			}
			return abtest.RenderReport(os.Stdout, report)
		},
	}
}
