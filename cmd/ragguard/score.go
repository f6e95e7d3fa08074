package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/app"
	"github.com/fractal-lba/ragguard/internal/confidence"
)

var (
	scoreQuery  string
	scoreAnswer string
	docsFile    string
	deep        bool
)

// scoreCmd scores the confidence of one answer
func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score the confidence of an answer against its sources",
		Long: `Computes the five-dimension confidence signal for an answer. Without --deep
only heuristics run and no LLM key is needed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := loadDocuments(docsFile)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scorer := confidence.New(nil, confidence.WithWeights(cfg.Confidence.Weights))
			if deep {
				a, err := app.New(cfg, prometheus.NewRegistry(), slog.Default())
				if err != nil {
					return err
				}
				defer a.Close()
				scorer = a.Scorer
			}

			score, err := scorer.Score(context.Background(), scoreQuery, scoreAnswer, docs, deep)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, score)
			}

			fmt.Printf("=== Confidence ===\n")
			fmt.Printf("Overall: %.3f (%s)\n", score.Overall, score.Level)
			d := score.Dimensions
			fmt.Printf("Retrieval %.2f | Generation %.2f | Attribution %.2f | Factual %.2f | Temporal %.2f\n",
				d.Retrieval, d.Generation, d.Attribution, d.Factual, d.Temporal)
			fmt.Printf("%s\n", score.Explanation)
			for _, w := range score.Warnings {
				fmt.Printf("WARNING: %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scoreQuery, "query", "q", "", "Question that was answered")
	cmd.Flags().StringVarP(&scoreAnswer, "answer", "a", "", "Answer to score")
	cmd.Flags().StringVar(&docsFile, "docs", "", "JSON file with the source documents")
	cmd.Flags().BoolVar(&deep, "deep", false, "Ask the LLM for generation, attribution and factual scores")
	cmd.MarkFlagRequired("answer")

	return cmd
}

// loadDocuments reads a JSON array of documents, or an object with a
// "documents" array. An empty path yields no documents.
func loadDocuments(path string) ([]api.ScoredDocument, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	var docs []api.ScoredDocument
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		var wrapped struct {
			Documents []api.ScoredDocument `json:"documents"`
		}
		err = json.Unmarshal(data, &wrapped)
		docs = wrapped.Documents
	} else {
		err = json.Unmarshal(data, &docs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse documents: %w", err)
	}
	if err := api.ValidateDocuments(docs); err != nil {
		return nil, err
	}
	return docs, nil
}
