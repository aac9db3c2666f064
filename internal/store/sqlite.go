package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/finlens/kpiflow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend for local runs and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so the durable work queue can share one
// database file with the status store.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	id                 TEXT PRIMARY KEY,
	expected_documents INTEGER NOT NULL,
	status             TEXT NOT NULL DEFAULT 'processing',
	params             TEXT NOT NULL,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL REFERENCES analyses(id),
	name        TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL DEFAULT 'uploaded',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	position    INTEGER NOT NULL,
	text        TEXT NOT NULL,
	page        INTEGER NOT NULL DEFAULT 0,
	section     TEXT NOT NULL DEFAULT '',
	embedding   TEXT
);

CREATE TABLE IF NOT EXISTS retrieval_contexts (
	document_id TEXT NOT NULL REFERENCES documents(id),
	kpi_name    TEXT NOT NULL,
	chunks      TEXT NOT NULL,
	PRIMARY KEY (document_id, kpi_name)
);

CREATE TABLE IF NOT EXISTS kpi_responses (
	document_id TEXT PRIMARY KEY REFERENCES documents(id),
	analysis_id TEXT NOT NULL REFERENCES analyses(id),
	findings    TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS final_outputs (
	analysis_id TEXT PRIMARY KEY REFERENCES analyses(id),
	output      TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_milestones (
	analysis_id TEXT NOT NULL REFERENCES analyses(id),
	milestone   TEXT NOT NULL,
	claimed_at  DATETIME NOT NULL,
	PRIMARY KEY (analysis_id, milestone)
);

CREATE INDEX IF NOT EXISTS idx_documents_analysis ON documents(analysis_id);
CREATE INDEX IF NOT EXISTS idx_documents_stage ON documents(analysis_id, stage);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, position);
CREATE INDEX IF NOT EXISTS idx_kpi_responses_analysis ON kpi_responses(analysis_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateAnalysis(ctx context.Context, a *model.Analysis) error {
	if a.ID == "" {
		return eris.New("sqlite: analysis id is required")
	}
	if a.ExpectedDocuments <= 0 {
		return eris.Errorf("sqlite: analysis %s: expected document count must be positive", a.ID)
	}
	now := time.Now().UTC()
	a.Status = model.AnalysisProcessing
	a.CreatedAt = now
	a.UpdatedAt = now

	paramsJSON, err := json.Marshal(a.Params)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal params")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, expected_documents, status, params, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExpectedDocuments, string(a.Status), string(paramsJSON), now, now,
	)
	return eris.Wrapf(err, "sqlite: insert analysis %s", a.ID)
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, expected_documents, status, params, created_at, updated_at FROM analyses WHERE id = ?`,
		id,
	)

	var a model.Analysis
	var paramsJSON string
	err := row.Scan(&a.ID, &a.ExpectedDocuments, &a.Status, &paramsJSON, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: analysis %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan analysis")
	}
	if err := json.Unmarshal([]byte(paramsJSON), &a.Params); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal params")
	}
	return &a, nil
}

func (s *SQLiteStore) FailAnalysis(ctx context.Context, id string) (bool, error) {
	return s.casAnalysisStatus(ctx, id, model.AnalysisFailed)
}

func (s *SQLiteStore) CompleteAnalysis(ctx context.Context, id string) (bool, error) {
	return s.casAnalysisStatus(ctx, id, model.AnalysisComplete)
}

// casAnalysisStatus performs the conditional processing → terminal write.
// Zero rows affected means another writer got there first.
func (s *SQLiteStore) casAnalysisStatus(ctx context.Context, id string, to model.AnalysisStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(model.AnalysisProcessing),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: set analysis %s %s", id, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, d *model.Document) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.Stage = model.DocStageUploaded
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, analysis_id, name, category, stage, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AnalysisID, d.Name, d.Category, string(d.Stage), now, now,
	)
	return eris.Wrapf(err, "sqlite: insert document %s", d.ID)
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, analysis_id, name, category, stage, created_at, updated_at FROM documents WHERE id = ?`,
		id,
	)
	var d model.Document
	err := row.Scan(&d.ID, &d.AnalysisID, &d.Name, &d.Category, &d.Stage, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: document %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan document")
	}
	return &d, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, analysisID string) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, name, category, stage, created_at, updated_at FROM documents WHERE analysis_id = ? ORDER BY id`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.AnalysisID, &d.Name, &d.Category, &d.Stage, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) UpdateDocumentStage(ctx context.Context, id string, to model.DocumentStage) error {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if !model.CanTransition(doc.Stage, to) {
		return eris.Wrapf(ErrIllegalTransition, "document %s: %s → %s", id, doc.Stage, to)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET stage = ?, updated_at = ? WHERE id = ? AND stage = ?`,
		string(to), time.Now().UTC(), id, string(doc.Stage),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update document stage %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrStaleStage, "document %s", id)
	}
	return nil
}

func (s *SQLiteStore) CountDocumentsAtOrPast(ctx context.Context, analysisID string, milestone model.DocumentStage) (int, error) {
	stages := model.StagesAtOrPast(milestone)
	if len(stages) == 0 {
		return 0, eris.Errorf("sqlite: unknown milestone stage %s", milestone)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(stages)), ",")
	args := make([]any, 0, len(stages)+1)
	args = append(args, analysisID)
	for _, st := range stages {
		args = append(args, string(st))
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE analysis_id = ? AND stage IN (`+placeholders+`)`,
		args...,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count documents at milestone")
}

func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save chunks")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, document_id, position, text, page, section) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert chunk")
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Position, c.Text, c.Page, c.Section); err != nil {
			return eris.Wrapf(err, "sqlite: insert chunk %s", c.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit chunks")
}

func (s *SQLiteStore) AttachEmbeddings(ctx context.Context, documentID string, vectors map[string][]float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin attach embeddings")
	}
	defer tx.Rollback()

	for chunkID, vec := range vectors {
		vecJSON, err := json.Marshal(vec)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal embedding")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE chunks SET embedding = ? WHERE id = ? AND document_id = ? AND embedding IS NULL`,
			string(vecJSON), chunkID, documentID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: attach embedding %s", chunkID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			return eris.Errorf("sqlite: chunk %s missing or already embedded", chunkID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit embeddings")
}

func (s *SQLiteStore) ListChunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, position, text, page, section, embedding FROM chunks WHERE document_id = ? ORDER BY position`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list chunks")
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var embJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Position, &c.Text, &c.Page, &c.Section, &embJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chunk")
		}
		if embJSON.Valid {
			if err := json.Unmarshal([]byte(embJSON.String), &c.Embedding); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, eris.Wrap(rows.Err(), "sqlite: list chunks iterate")
}

func (s *SQLiteStore) SaveRetrievalContext(ctx context.Context, rc model.RetrievalContext) error {
	chunksJSON, err := json.Marshal(rc.Chunks)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal retrieval context")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retrieval_contexts (document_id, kpi_name, chunks) VALUES (?, ?, ?)
		 ON CONFLICT (document_id, kpi_name) DO UPDATE SET chunks = excluded.chunks`,
		rc.DocumentID, rc.KPIName, string(chunksJSON),
	)
	return eris.Wrapf(err, "sqlite: save retrieval context %s/%s", rc.DocumentID, rc.KPIName)
}

func (s *SQLiteStore) ListRetrievalContexts(ctx context.Context, documentID string) ([]model.RetrievalContext, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, kpi_name, chunks FROM retrieval_contexts WHERE document_id = ? ORDER BY kpi_name`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list retrieval contexts")
	}
	defer rows.Close()

	var rcs []model.RetrievalContext
	for rows.Next() {
		var rc model.RetrievalContext
		var chunksJSON string
		if err := rows.Scan(&rc.DocumentID, &rc.KPIName, &chunksJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retrieval context")
		}
		if err := json.Unmarshal([]byte(chunksJSON), &rc.Chunks); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal retrieval context")
		}
		rcs = append(rcs, rc)
	}
	return rcs, eris.Wrap(rows.Err(), "sqlite: list retrieval contexts iterate")
}

func (s *SQLiteStore) SaveKPIResponse(ctx context.Context, analysisID string, resp model.KPIResponse) error {
	findingsJSON, err := json.Marshal(resp.Findings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal findings")
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kpi_responses (document_id, analysis_id, findings, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (document_id) DO UPDATE SET findings = excluded.findings`,
		resp.DocumentID, analysisID, string(findingsJSON), resp.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: save kpi response %s", resp.DocumentID)
}

func (s *SQLiteStore) ListKPIResponses(ctx context.Context, analysisID string) ([]model.KPIResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, findings, created_at FROM kpi_responses WHERE analysis_id = ? ORDER BY document_id`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list kpi responses")
	}
	defer rows.Close()

	var resps []model.KPIResponse
	for rows.Next() {
		var r model.KPIResponse
		var findingsJSON string
		if err := rows.Scan(&r.DocumentID, &findingsJSON, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan kpi response")
		}
		if err := json.Unmarshal([]byte(findingsJSON), &r.Findings); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal findings")
		}
		resps = append(resps, r)
	}
	return resps, eris.Wrap(rows.Err(), "sqlite: list kpi responses iterate")
}

func (s *SQLiteStore) SaveFinalOutput(ctx context.Context, out model.FinalOutput) error {
	outJSON, err := json.Marshal(out)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal final output")
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO final_outputs (analysis_id, output, created_at) VALUES (?, ?, ?)`,
		out.AnalysisID, string(outJSON), out.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: save final output %s", out.AnalysisID)
}

func (s *SQLiteStore) GetFinalOutput(ctx context.Context, analysisID string) (*model.FinalOutput, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT output FROM final_outputs WHERE analysis_id = ?`,
		analysisID,
	)
	var outJSON string
	err := row.Scan(&outJSON)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: final output for %s", analysisID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan final output")
	}
	var out model.FinalOutput
	if err := json.Unmarshal([]byte(outJSON), &out); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal final output")
	}
	return &out, nil
}

func (s *SQLiteStore) ClaimMilestone(ctx context.Context, analysisID string, m model.Milestone) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO analysis_milestones (analysis_id, milestone, claimed_at) VALUES (?, ?, ?)`,
		analysisID, string(m), time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim milestone %s/%s", analysisID, m)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}
