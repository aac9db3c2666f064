package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTaxonomy = `
kpis:
  - name: revenue
    synonyms: [turnover, sales, net revenue]
  - name: ebitda
    synonyms: [operating result]
  - name: headcount
detail_levels: [group, segment]
locale: de
categories: [annual_report, quarterly_report, presentation]
`

func writeTaxonomy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kpis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTaxonomy(t *testing.T) {
	t.Parallel()

	tax, err := LoadTaxonomy(writeTaxonomy(t, sampleTaxonomy))
	require.NoError(t, err)

	assert.Len(t, tax.KPIs, 3)
	assert.Equal(t, "revenue", tax.KPIs[0].Name)
	assert.Equal(t, []string{"turnover", "sales", "net revenue"}, tax.KPIs[0].Synonyms)
	assert.Equal(t, "de", tax.Locale)
}

func TestLoadTaxonomy_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadTaxonomy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadTaxonomy(writeTaxonomy(t, "locale: en\n"))
	assert.Error(t, err, "taxonomy without KPIs is rejected")
}

func TestTaxonomyParams(t *testing.T) {
	t.Parallel()

	tax, err := LoadTaxonomy(writeTaxonomy(t, sampleTaxonomy))
	require.NoError(t, err)

	p := tax.Params()
	assert.Equal(t, []string{"revenue", "ebitda", "headcount"}, p.KPIs)
	assert.Equal(t, []string{"group", "segment"}, p.DetailLevels)
	assert.Equal(t, "de", p.Locale)

	// Earlier categories carry higher priority.
	assert.Greater(t, p.CategoryPriority["annual_report"], p.CategoryPriority["quarterly_report"])
	assert.Greater(t, p.CategoryPriority["quarterly_report"], p.CategoryPriority["presentation"])

	// headcount has no synonyms; expansion still includes the name itself.
	assert.Equal(t, []string{"headcount"}, p.SynonymsFor("headcount"))
	assert.Equal(t, []string{"revenue", "turnover", "sales", "net revenue"}, p.SynonymsFor("revenue"))
}
