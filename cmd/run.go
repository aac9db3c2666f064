package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/pipeline"
)

var (
	runID   string
	runDocs []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run KPI extraction for a set of documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Taxonomy == nil {
			return eris.New("taxonomy is required (KPIFLOW_PIPELINE_TAXONOMY_PATH)")
		}

		uploads, err := readUploads(runDocs)
		if err != nil {
			return err
		}

		a := &model.Analysis{
			ID:     runID,
			Params: env.Taxonomy.Params(),
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}

		if _, err := env.Pipeline.Submit(ctx, a, uploads); err != nil {
			return eris.Wrap(err, "submit analysis")
		}

		final, err := env.Pipeline.RunUntilDone(ctx, a.ID)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}
		if final.Status == model.AnalysisFailed {
			return eris.Errorf("analysis %s failed", a.ID)
		}

		out, err := env.Store.GetFinalOutput(ctx, a.ID)
		if err != nil {
			return eris.Wrap(err, "load final output")
		}

		zap.L().Info("extraction complete",
			zap.String("analysis_id", a.ID),
			zap.Int("documents", final.ExpectedDocuments),
			zap.Float64("coverage", out.Metrics.Coverage),
			zap.Float64("mean_confidence", out.Metrics.MeanConfidence),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// readUploads turns --doc path:category flags into pipeline uploads. The
// category suffix is optional and defaults to "other".
func readUploads(specs []string) ([]pipeline.Upload, error) {
	uploads := make([]pipeline.Upload, 0, len(specs))
	for _, spec := range specs {
		path, category := spec, "other"
		if i := strings.LastIndex(spec, ":"); i > 0 {
			path, category = spec[:i], spec[i+1:]
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "read document %s", path)
		}
		uploads = append(uploads, pipeline.Upload{
			Name:     filepath.Base(path),
			Category: category,
			Data:     data,
		})
	}
	return uploads, nil
}

func init() {
	runCmd.Flags().StringVar(&runID, "id", "", "analysis ID (default random UUID)")
	runCmd.Flags().StringArrayVar(&runDocs, "doc", nil, "document to analyze, as path or path:category (repeatable, 1-3)")
	_ = runCmd.MarkFlagRequired("doc")
	rootCmd.AddCommand(runCmd)
}
