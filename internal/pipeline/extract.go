package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/resilience"
	"github.com/finlens/kpiflow/pkg/llm"
)

const extractSystemPrompt = `You are a financial analyst extracting KPI values from document excerpts.

Rules:
- Use only the provided excerpts. Never invent numbers.
- Report values exactly as written, without reformatting.
- Confidence reflects how directly the excerpt states the value.
- If the excerpts do not contain a KPI, omit it from the response.`

const extractUserPrompt = `Extract the following KPIs: %s
%s
Document excerpts, labeled with their page:

%s

Return a single JSON object mapping each found KPI name to:
{"value": "<as written>", "unit": "<unit or percent/absolute>", "currency": "<ISO code if any>", "confidence": <0.0-1.0>, "detail_level": "<level>", "source_page": <page>}`

// extractStage calls the LLM over each KPI's retrieval context and persists
// the document's structured KPIResponse.
type extractStage struct {
	pipeline *Pipeline
}

func (s *extractStage) execute(ctx context.Context, a *model.Analysis, doc *model.Document) error {
	p := s.pipeline
	log := zap.L().With(zap.String("document_id", doc.ID))

	contexts, err := p.store.ListRetrievalContexts(ctx, doc.ID)
	if err != nil {
		return err
	}
	chunks, err := p.store.ListChunks(ctx, doc.ID)
	if err != nil {
		return err
	}
	chunkByID := make(map[string]model.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
	}
	contextByKPI := make(map[string]model.RetrievalContext, len(contexts))
	for _, rc := range contexts {
		contextByKPI[rc.KPIName] = rc
	}

	findings := make(map[string]model.KPIFinding, len(a.Params.KPIs))
	var withEvidence []string
	for _, kpi := range a.Params.KPIs {
		if len(contextByKPI[kpi].Chunks) == 0 {
			// Zero context short-circuits to an explicit no-evidence result
			// instead of asking the model to speculate.
			findings[kpi] = model.KPIFinding{NoEvidence: true}
			log.Warn("extract: no evidence for kpi, skipping model call", zap.String("kpi", kpi))
			continue
		}
		withEvidence = append(withEvidence, kpi)
	}

	if len(withEvidence) > 0 {
		extracted, err := s.extractWithModel(ctx, a, doc, withEvidence, contextByKPI, chunkByID)
		if err != nil {
			return err
		}
		for kpi, f := range extracted {
			findings[kpi] = f
		}
		// KPIs the model found no value for despite having context.
		for _, kpi := range withEvidence {
			if _, ok := findings[kpi]; !ok {
				findings[kpi] = model.KPIFinding{NoEvidence: true}
			}
		}
	}

	return p.store.SaveKPIResponse(ctx, a.ID, model.KPIResponse{
		DocumentID: doc.ID,
		Findings:   findings,
	})
}

func (s *extractStage) extractWithModel(
	ctx context.Context,
	a *model.Analysis,
	doc *model.Document,
	kpis []string,
	contextByKPI map[string]model.RetrievalContext,
	chunkByID map[string]model.Chunk,
) (map[string]model.KPIFinding, error) {
	p := s.pipeline

	prompt := s.buildPrompt(a, kpis, contextByKPI, chunkByID)
	req := llm.MessageRequest{
		Model:     p.cfg.Anthropic.ExtractModel,
		MaxTokens: p.cfg.Anthropic.MaxTokens,
		System:    []llm.SystemBlock{{Text: extractSystemPrompt}},
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
	}
	if p.cfg.Anthropic.CacheTaxonomy {
		req.System[0].CacheControl = &llm.CacheControl{TTL: "5m"}
	}

	// Schema violations are retried alongside transport failures: a fresh
	// sample may produce valid JSON. Whatever survives the budget is
	// permanent.
	findings, err := resilience.RetryVal(ctx, p.retry, "llm.extract", func(ctx context.Context) (map[string]model.KPIFinding, error) {
		resp, err := p.llm.CreateMessage(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Usage.LogCost(p.cfg.Anthropic.ExtractModel, "extract")

		parsed, err := parseFindings(resp.Text(), a.Params, kpis)
		if err != nil {
			return nil, resilience.Transient(err, 0)
		}
		return parsed, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "extract: document %s", doc.ID)
	}
	return findings, nil
}

func (s *extractStage) buildPrompt(
	a *model.Analysis,
	kpis []string,
	contextByKPI map[string]model.RetrievalContext,
	chunkByID map[string]model.Chunk,
) string {
	var detail string
	if len(a.Params.DetailLevels) > 0 {
		detail = "Requested detail levels: " + strings.Join(a.Params.DetailLevels, ", ") + "\n"
	}

	var excerpts strings.Builder
	seen := make(map[string]bool)
	for _, kpi := range kpis {
		for _, rc := range contextByKPI[kpi].Chunks {
			if seen[rc.ChunkID] {
				continue
			}
			seen[rc.ChunkID] = true
			c, ok := chunkByID[rc.ChunkID]
			if !ok {
				continue
			}
			fmt.Fprintf(&excerpts, "[page %d] %s\n\n", c.Page, c.Text)
		}
	}

	return fmt.Sprintf(extractUserPrompt, strings.Join(kpis, ", "), detail, excerpts.String())
}

// parseFindings validates the model output against the requested KPI names
// and detail levels. Anything outside the schema is rejected.
func parseFindings(raw string, params model.AnalysisParams, kpis []string) (map[string]model.KPIFinding, error) {
	jsonText := extractJSON(raw)
	if jsonText == "" {
		return nil, eris.New("extract: response contains no JSON object")
	}

	var findings map[string]model.KPIFinding
	if err := json.Unmarshal([]byte(jsonText), &findings); err != nil {
		return nil, eris.Wrap(err, "extract: unmarshal findings")
	}

	requested := make(map[string]bool, len(kpis))
	for _, k := range kpis {
		requested[k] = true
	}
	levels := make(map[string]bool, len(params.DetailLevels))
	for _, l := range params.DetailLevels {
		levels[l] = true
	}

	for name, f := range findings {
		if !requested[name] {
			return nil, eris.Errorf("extract: unrequested kpi %q in response", name)
		}
		if f.Value == "" {
			return nil, eris.Errorf("extract: kpi %q has empty value", name)
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			return nil, eris.Errorf("extract: kpi %q confidence %v out of range", name, f.Confidence)
		}
		if f.DetailLevel != "" && len(levels) > 0 && !levels[f.DetailLevel] {
			return nil, eris.Errorf("extract: kpi %q has unknown detail level %q", name, f.DetailLevel)
		}
	}
	return findings, nil
}

// extractJSON pulls the outermost JSON object out of a model response,
// tolerating markdown fences and prose around it.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
