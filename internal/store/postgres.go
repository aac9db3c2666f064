package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/finlens/kpiflow/internal/db"
	"github.com/finlens/kpiflow/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	id                 TEXT PRIMARY KEY,
	expected_documents INTEGER NOT NULL,
	status             TEXT NOT NULL DEFAULT 'processing',
	params             JSONB NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL REFERENCES analyses(id),
	name        TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL DEFAULT 'uploaded',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	position    INTEGER NOT NULL,
	text        TEXT NOT NULL,
	page        INTEGER NOT NULL DEFAULT 0,
	section     TEXT NOT NULL DEFAULT '',
	embedding   JSONB
);

CREATE TABLE IF NOT EXISTS retrieval_contexts (
	document_id TEXT NOT NULL REFERENCES documents(id),
	kpi_name    TEXT NOT NULL,
	chunks      JSONB NOT NULL,
	PRIMARY KEY (document_id, kpi_name)
);

CREATE TABLE IF NOT EXISTS kpi_responses (
	document_id TEXT PRIMARY KEY REFERENCES documents(id),
	analysis_id TEXT NOT NULL REFERENCES analyses(id),
	findings    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS final_outputs (
	analysis_id TEXT PRIMARY KEY REFERENCES analyses(id),
	output      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS analysis_milestones (
	analysis_id TEXT NOT NULL REFERENCES analyses(id),
	milestone   TEXT NOT NULL,
	claimed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (analysis_id, milestone)
);

CREATE INDEX IF NOT EXISTS idx_documents_analysis ON documents(analysis_id);
CREATE INDEX IF NOT EXISTS idx_documents_stage ON documents(analysis_id, stage);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, position);
CREATE INDEX IF NOT EXISTS idx_kpi_responses_analysis ON kpi_responses(analysis_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *model.Analysis) error {
	if a.ID == "" {
		return eris.New("postgres: analysis id is required")
	}
	if a.ExpectedDocuments <= 0 {
		return eris.Errorf("postgres: analysis %s: expected document count must be positive", a.ID)
	}
	now := time.Now().UTC()
	a.Status = model.AnalysisProcessing
	a.CreatedAt = now
	a.UpdatedAt = now

	paramsJSON, err := json.Marshal(a.Params)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal params")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analyses (id, expected_documents, status, params, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.ExpectedDocuments, string(a.Status), paramsJSON, now, now,
	)
	return eris.Wrapf(err, "postgres: insert analysis %s", a.ID)
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, expected_documents, status, params, created_at, updated_at FROM analyses WHERE id = $1`,
		id,
	)

	var a model.Analysis
	var paramsJSON []byte
	err := row.Scan(&a.ID, &a.ExpectedDocuments, &a.Status, &paramsJSON, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "postgres: analysis %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan analysis")
	}
	if err := json.Unmarshal(paramsJSON, &a.Params); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal params")
	}
	return &a, nil
}

func (s *PostgresStore) FailAnalysis(ctx context.Context, id string) (bool, error) {
	return s.casAnalysisStatus(ctx, id, model.AnalysisFailed)
}

func (s *PostgresStore) CompleteAnalysis(ctx context.Context, id string) (bool, error) {
	return s.casAnalysisStatus(ctx, id, model.AnalysisComplete)
}

func (s *PostgresStore) casAnalysisStatus(ctx context.Context, id string, to model.AnalysisStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(model.AnalysisProcessing),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set analysis %s %s", id, to)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, d *model.Document) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.Stage = model.DocStageUploaded
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, analysis_id, name, category, stage, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.AnalysisID, d.Name, d.Category, string(d.Stage), now, now,
	)
	return eris.Wrapf(err, "postgres: insert document %s", d.ID)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, analysis_id, name, category, stage, created_at, updated_at FROM documents WHERE id = $1`,
		id,
	)
	var d model.Document
	err := row.Scan(&d.ID, &d.AnalysisID, &d.Name, &d.Category, &d.Stage, &d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "postgres: document %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan document")
	}
	return &d, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, analysisID string) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, analysis_id, name, category, stage, created_at, updated_at FROM documents WHERE analysis_id = $1 ORDER BY id`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.AnalysisID, &d.Name, &d.Category, &d.Stage, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) UpdateDocumentStage(ctx context.Context, id string, to model.DocumentStage) error {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if !model.CanTransition(doc.Stage, to) {
		return eris.Wrapf(ErrIllegalTransition, "document %s: %s → %s", id, doc.Stage, to)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET stage = $1, updated_at = $2 WHERE id = $3 AND stage = $4`,
		string(to), time.Now().UTC(), id, string(doc.Stage),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update document stage %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStaleStage, "document %s", id)
	}
	return nil
}

func (s *PostgresStore) CountDocumentsAtOrPast(ctx context.Context, analysisID string, milestone model.DocumentStage) (int, error) {
	stages := model.StagesAtOrPast(milestone)
	if len(stages) == 0 {
		return 0, eris.Errorf("postgres: unknown milestone stage %s", milestone)
	}
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE analysis_id = $1 AND stage = ANY($2)`,
		analysisID, names,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count documents at milestone")
}

func (s *PostgresStore) SaveChunks(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save chunks")
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chunks (id, document_id, position, text, page, section) VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.DocumentID, c.Position, c.Text, c.Page, c.Section,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert chunk %s", c.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit chunks")
}

func (s *PostgresStore) AttachEmbeddings(ctx context.Context, documentID string, vectors map[string][]float32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin attach embeddings")
	}
	defer tx.Rollback(ctx)

	for chunkID, vec := range vectors {
		vecJSON, err := json.Marshal(vec)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal embedding")
		}
		tag, err := tx.Exec(ctx,
			`UPDATE chunks SET embedding = $1 WHERE id = $2 AND document_id = $3 AND embedding IS NULL`,
			vecJSON, chunkID, documentID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: attach embedding %s", chunkID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("postgres: chunk %s missing or already embedded", chunkID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit embeddings")
}

func (s *PostgresStore) ListChunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, position, text, page, section, embedding FROM chunks WHERE document_id = $1 ORDER BY position`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list chunks")
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var embJSON []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Position, &c.Text, &c.Page, &c.Section, &embJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk")
		}
		if len(embJSON) > 0 {
			if err := json.Unmarshal(embJSON, &c.Embedding); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal embedding")
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, eris.Wrap(rows.Err(), "postgres: list chunks iterate")
}

func (s *PostgresStore) SaveRetrievalContext(ctx context.Context, rc model.RetrievalContext) error {
	chunksJSON, err := json.Marshal(rc.Chunks)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal retrieval context")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO retrieval_contexts (document_id, kpi_name, chunks) VALUES ($1, $2, $3)
		 ON CONFLICT (document_id, kpi_name) DO UPDATE SET chunks = EXCLUDED.chunks`,
		rc.DocumentID, rc.KPIName, chunksJSON,
	)
	return eris.Wrapf(err, "postgres: save retrieval context %s/%s", rc.DocumentID, rc.KPIName)
}

func (s *PostgresStore) ListRetrievalContexts(ctx context.Context, documentID string) ([]model.RetrievalContext, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, kpi_name, chunks FROM retrieval_contexts WHERE document_id = $1 ORDER BY kpi_name`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list retrieval contexts")
	}
	defer rows.Close()

	var rcs []model.RetrievalContext
	for rows.Next() {
		var rc model.RetrievalContext
		var chunksJSON []byte
		if err := rows.Scan(&rc.DocumentID, &rc.KPIName, &chunksJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan retrieval context")
		}
		if err := json.Unmarshal(chunksJSON, &rc.Chunks); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal retrieval context")
		}
		rcs = append(rcs, rc)
	}
	return rcs, eris.Wrap(rows.Err(), "postgres: list retrieval contexts iterate")
}

func (s *PostgresStore) SaveKPIResponse(ctx context.Context, analysisID string, resp model.KPIResponse) error {
	findingsJSON, err := json.Marshal(resp.Findings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal findings")
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO kpi_responses (document_id, analysis_id, findings, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (document_id) DO UPDATE SET findings = EXCLUDED.findings`,
		resp.DocumentID, analysisID, findingsJSON, resp.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save kpi response %s", resp.DocumentID)
}

func (s *PostgresStore) ListKPIResponses(ctx context.Context, analysisID string) ([]model.KPIResponse, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, findings, created_at FROM kpi_responses WHERE analysis_id = $1 ORDER BY document_id`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list kpi responses")
	}
	defer rows.Close()

	var resps []model.KPIResponse
	for rows.Next() {
		var r model.KPIResponse
		var findingsJSON []byte
		if err := rows.Scan(&r.DocumentID, &findingsJSON, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan kpi response")
		}
		if err := json.Unmarshal(findingsJSON, &r.Findings); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal findings")
		}
		resps = append(resps, r)
	}
	return resps, eris.Wrap(rows.Err(), "postgres: list kpi responses iterate")
}

func (s *PostgresStore) SaveFinalOutput(ctx context.Context, out model.FinalOutput) error {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	outJSON, err := json.Marshal(out)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal final output")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO final_outputs (analysis_id, output, created_at) VALUES ($1, $2, $3)`,
		out.AnalysisID, outJSON, out.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save final output %s", out.AnalysisID)
}

func (s *PostgresStore) GetFinalOutput(ctx context.Context, analysisID string) (*model.FinalOutput, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT output FROM final_outputs WHERE analysis_id = $1`,
		analysisID,
	)
	var outJSON []byte
	err := row.Scan(&outJSON)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "postgres: final output for %s", analysisID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan final output")
	}
	var out model.FinalOutput
	if err := json.Unmarshal(outJSON, &out); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal final output")
	}
	return &out, nil
}

func (s *PostgresStore) ClaimMilestone(ctx context.Context, analysisID string, m model.Milestone) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_milestones (analysis_id, milestone, claimed_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		analysisID, string(m), time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim milestone %s/%s", analysisID, m)
	}
	return tag.RowsAffected() == 1, nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
