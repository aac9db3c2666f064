package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <analysis-id>",
	Short: "Show the progress of an analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		a, err := st.GetAnalysis(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get analysis")
		}
		docs, err := st.ListDocuments(ctx, a.ID)
		if err != nil {
			return eris.Wrap(err, "list documents")
		}

		type docLine struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Stage string `json:"stage"`
		}
		out := struct {
			AnalysisID string    `json:"analysis_id"`
			Status     string    `json:"status"`
			Expected   int       `json:"expected_documents"`
			Documents  []docLine `json:"documents"`
		}{
			AnalysisID: a.ID,
			Status:     string(a.Status),
			Expected:   a.ExpectedDocuments,
		}
		for _, d := range docs {
			out.Documents = append(out.Documents, docLine{ID: d.ID, Name: d.Name, Stage: string(d.Stage)})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
