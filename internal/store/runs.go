package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/valpere/mdtrans/internal"
)

// CreateRun inserts run with status running.
func (s *Store) CreateRun(ctx context.Context, run internal.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, input_file, output_file, source_lang, target_lang, backend, model, status, total_chunks, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.InputFile, run.OutputFile, run.SourceLang, run.TargetLang, run.Backend, run.Model,
		internal.RunRunning, run.TotalChunks, run.StartedAt)
	return err
}

// FinishRun stores the final counters of run together with its chunk
// records.
func (s *Store) FinishRun(ctx context.Context, run internal.Run, records []internal.ChunkRecord) error {
	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, total_chunks = ?, succeeded = ?, failed = ?, cache_hits = ?, api_calls = ?, error = ?, finished_at = ? WHERE id = ?`,
		run.Status, run.TotalChunks, run.Succeeded, run.Failed, run.CacheHits, run.APICalls, run.Error, finished, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunk_records (run_id, chunk_id, seq, start_line, end_line, state, attempts, elapsed_ms, cached, refined, unsafe_split, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			run.ID, r.ChunkID, r.SequenceIndex, r.StartLine, r.EndLine, r.State, r.Attempts,
			r.Elapsed.Milliseconds(), r.Cached, r.Refined, r.UnsafeSplit, r.Reason); err != nil {
			return fmt.Errorf("chunk %s: %w", r.ChunkID, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, input_file, output_file, source_lang, target_lang, backend, model, status,
	total_chunks, succeeded, failed, cache_hits, api_calls, error, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (internal.Run, error) {
	var (
		r        internal.Run
		finished sql.NullTime
	)
	err := row.Scan(&r.ID, &r.InputFile, &r.OutputFile, &r.SourceLang, &r.TargetLang, &r.Backend, &r.Model, &r.Status,
		&r.TotalChunks, &r.Succeeded, &r.Failed, &r.CacheHits, &r.APICalls, &r.Error, &r.StartedAt, &finished)
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, err
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]internal.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []internal.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a run and its chunk records in sequence order.
func (s *Store) GetRun(ctx context.Context, id string) (*internal.Run, []internal.ChunkRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, seq, start_line, end_line, state, attempts, elapsed_ms, cached, refined, unsafe_split, reason
		 FROM chunk_records WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var records []internal.ChunkRecord
	for rows.Next() {
		r := internal.ChunkRecord{RunID: id}
		var elapsedMs int64
		if err := rows.Scan(&r.ChunkID, &r.SequenceIndex, &r.StartLine, &r.EndLine, &r.State, &r.Attempts,
			&elapsedMs, &r.Cached, &r.Refined, &r.UnsafeSplit, &r.Reason); err != nil {
			return nil, nil, err
		}
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		records = append(records, r)
	}
	return &run, records, rows.Err()
}
