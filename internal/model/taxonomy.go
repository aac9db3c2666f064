package model

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Taxonomy is the yaml-defined KPI request: names, synonym expansions,
// detail-level hierarchy and category priorities for merge tie-breaking.
type Taxonomy struct {
	KPIs         []KPIDef `yaml:"kpis"`
	DetailLevels []string `yaml:"detail_levels"`
	Locale       string   `yaml:"locale"`
	// Categories in descending priority order; earlier wins merge ties.
	Categories []string `yaml:"categories"`
}

// KPIDef declares one KPI and how it may be phrased in source documents.
type KPIDef struct {
	Name     string   `yaml:"name"`
	Synonyms []string `yaml:"synonyms"`
}

// LoadTaxonomy reads a taxonomy yaml file.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrapf(err, "taxonomy: parse %s", path)
	}
	if len(t.KPIs) == 0 {
		return nil, eris.Errorf("taxonomy: %s declares no KPIs", path)
	}
	return &t, nil
}

// Params converts the taxonomy into the immutable analysis parameters.
func (t *Taxonomy) Params() AnalysisParams {
	p := AnalysisParams{
		DetailLevels: t.DetailLevels,
		Locale:       t.Locale,
	}
	p.Synonyms = make(map[string][]string, len(t.KPIs))
	for _, k := range t.KPIs {
		p.KPIs = append(p.KPIs, k.Name)
		if len(k.Synonyms) > 0 {
			p.Synonyms[k.Name] = k.Synonyms
		}
	}
	if len(t.Categories) > 0 {
		p.CategoryPriority = make(map[string]int, len(t.Categories))
		for i, c := range t.Categories {
			// Higher number = higher priority.
			p.CategoryPriority[c] = len(t.Categories) - i
		}
	}
	return p
}
