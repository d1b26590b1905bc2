package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across sops and sop_steps using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultSOP {
		sopWhere := "s.fts @@ " + tsQuery
		if q.FilterCategory != "" {
			sopWhere += fmt.Sprintf(" AND s.category = $%d", argN)
			args = append(args, q.FilterCategory)
			argN++
		}
		if q.PublishedOnly {
			sopWhere += " AND s.status = 'published'"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'sop'::text AS type, s.id, s.title,
				ts_headline('english', coalesce(s.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS sop_id, s.category, s.status,
				ts_rank(s.fts, %s) AS rank
			FROM sops s
			WHERE %s`, tsQuery, tsQuery, sopWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultStep {
		stepWhere := "st.fts @@ " + tsQuery
		if q.FilterCategory != "" {
			stepWhere += fmt.Sprintf(" AND s.category = $%d", argN)
			args = append(args, q.FilterCategory)
			argN++
		}
		if q.PublishedOnly {
			stepWhere += " AND s.status = 'published'"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'step'::text AS type, st.id, st.title,
				ts_headline('english', coalesce(st.instructions, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				st.sop_id, s.category, s.status,
				ts_rank(st.fts, %s) AS rank
			FROM sop_steps st
			JOIN sops s ON s.id = st.sop_id
			WHERE %s`, tsQuery, tsQuery, stepWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, sop_id, category, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SOPID, &r.Category, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SOPRecord, []StepRecord, error) {
	sopRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, coalesce(description, ''), coalesce(category, ''), status, created_by
		FROM sops
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sops: %w", err)
	}
	defer sopRows.Close()

	sops := make([]SOPRecord, 0)
	for sopRows.Next() {
		var rec SOPRecord
		if err := sopRows.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.Category, &rec.Status, &rec.CreatedBy); err != nil {
			return nil, nil, fmt.Errorf("scan sop: %w", err)
		}
		sops = append(sops, rec)
	}
	if err := sopRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate sops: %w", err)
	}

	stepRows, err := p.db.QueryContext(ctx, `
		SELECT st.id, st.sop_id, st.title, coalesce(st.instructions, ''), coalesce(st.safety_notes, ''),
			coalesce(s.category, ''), s.status
		FROM sop_steps st
		JOIN sops s ON s.id = st.sop_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load steps: %w", err)
	}
	defer stepRows.Close()

	steps := make([]StepRecord, 0)
	for stepRows.Next() {
		var rec StepRecord
		if err := stepRows.Scan(&rec.ID, &rec.SOPID, &rec.Title, &rec.Instructions, &rec.SafetyNotes, &rec.Category, &rec.Status); err != nil {
			return nil, nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, rec)
	}
	if err := stepRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate steps: %w", err)
	}

	return sops, steps, nil
}
