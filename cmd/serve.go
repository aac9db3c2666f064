package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/pipeline"
	"github.com/finlens/kpiflow/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and pipeline workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Taxonomy == nil {
			return eris.New("taxonomy is required (KPIFLOW_PIPELINE_TAXONOMY_PATH)")
		}

		// Workers consume alongside the API in the same process.
		workersDone := make(chan error, 1)
		go func() {
			workersDone <- env.Pipeline.Run(ctx)
		}()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: buildMux(env),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		stop()
		if err := <-workersDone; err != nil {
			return eris.Wrap(err, "pipeline workers")
		}
		return nil
	},
}

type submitRequest struct {
	ID        string `json:"id"`
	Documents []struct {
		Name     string `json:"name"`
		Category string `json:"category"`
		Data     []byte `json:"data"`
	} `json:"documents"`
}

func buildMux(env *pipelineEnv) *http.ServeMux {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /analyses", func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if len(req.Documents) == 0 {
			http.Error(w, `{"error":"at least one document is required"}`, http.StatusBadRequest)
			return
		}

		uploads := make([]pipeline.Upload, 0, len(req.Documents))
		for _, d := range req.Documents {
			if d.Name == "" || len(d.Data) == 0 {
				http.Error(w, `{"error":"each document needs a name and data"}`, http.StatusBadRequest)
				return
			}
			category := d.Category
			if category == "" {
				category = "other"
			}
			uploads = append(uploads, pipeline.Upload{Name: d.Name, Category: category, Data: d.Data})
		}

		a := &model.Analysis{ID: req.ID, Params: env.Taxonomy.Params()}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}

		docs, err := env.Pipeline.Submit(r.Context(), a, uploads)
		if err != nil {
			zap.L().Error("submit failed", zap.String("analysis_id", a.ID), zap.Error(err))
			http.Error(w, `{"error":"submit failed"}`, http.StatusInternalServerError)
			return
		}

		docIDs := make([]string, len(docs))
		for i, d := range docs {
			docIDs[i] = d.ID
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"analysis_id": a.ID,
			"status":      string(model.AnalysisProcessing),
			"documents":   docIDs,
		})
	})

	mux.HandleFunc("GET /analyses/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		a, err := env.Store.GetAnalysis(r.Context(), id)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				http.Error(w, `{"error":"analysis not found"}`, http.StatusNotFound)
				return
			}
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}
		docs, err := env.Store.ListDocuments(r.Context(), id)
		if err != nil {
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}

		type docStatus struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Stage string `json:"stage"`
		}
		statuses := make([]docStatus, len(docs))
		for i, d := range docs {
			statuses[i] = docStatus{ID: d.ID, Name: d.Name, Stage: string(d.Stage)}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"analysis_id": a.ID,
			"status":      string(a.Status),
			"documents":   statuses,
		})
	})

	mux.HandleFunc("GET /analyses/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		a, err := env.Store.GetAnalysis(r.Context(), id)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				http.Error(w, `{"error":"analysis not found"}`, http.StatusNotFound)
				return
			}
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}
		if a.Status != model.AnalysisComplete {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":  "analysis has no result",
				"status": string(a.Status),
			})
			return
		}

		out, err := env.Store.GetFinalOutput(r.Context(), id)
		if err != nil {
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	return mux
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
