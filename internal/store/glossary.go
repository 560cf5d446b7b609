package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type GlossaryEntry struct {
	ID         string
	SourceLang string
	TargetLang string
	SourceTerm string
	TargetTerm string
	CreatedAt  time.Time
}

const upsertTerm = `INSERT INTO glossary (id, source_lang, target_lang, source_term, target_term, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(source_lang, target_lang, source_term) DO UPDATE SET target_term = excluded.target_term`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func addTerm(ctx context.Context, db execer, sourceLang, targetLang, sourceTerm, targetTerm string) error {
	if sourceTerm == "" || targetTerm == "" {
		return fmt.Errorf("empty glossary term for %s->%s", sourceLang, targetLang)
	}
	_, err := db.ExecContext(ctx, upsertTerm,
		"gl_"+uuid.NewString(), sourceLang, targetLang, sourceTerm, targetTerm, time.Now())
	return err
}

// AddGlossaryTerm maps sourceTerm to targetTerm for the language pair,
// replacing an earlier mapping of the same term.
func (s *Store) AddGlossaryTerm(ctx context.Context, sourceLang, targetLang, sourceTerm, targetTerm string) error {
	return addTerm(ctx, s.db, sourceLang, targetLang, sourceTerm, targetTerm)
}

// ImportGlossary adds every term of the pair in one transaction. Nothing is
// stored when any term is rejected.
func (s *Store) ImportGlossary(ctx context.Context, sourceLang, targetLang string, terms map[string]string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for src, tgt := range terms {
		if err := addTerm(ctx, tx, sourceLang, targetLang, src, tgt); err != nil {
			return 0, fmt.Errorf("term %q: %w", src, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(terms), nil
}

// GetGlossaryTerms returns the pair's terms keyed on the source term.
func (s *Store) GetGlossaryTerms(ctx context.Context, sourceLang, targetLang string) (map[string]string, error) {
	entries, err := s.ListGlossaryTerms(ctx, sourceLang, targetLang)
	if err != nil {
		return nil, err
	}
	terms := make(map[string]string, len(entries))
	for _, e := range entries {
		terms[e.SourceTerm] = e.TargetTerm
	}
	return terms, nil
}

// ListGlossaryTerms returns entries sorted by pair and term. An empty
// language matches any.
func (s *Store) ListGlossaryTerms(ctx context.Context, sourceLang, targetLang string) ([]GlossaryEntry, error) {
	where, args := whereEqual(column{"source_lang", sourceLang}, column{"target_lang", targetLang})
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_lang, target_lang, source_term, target_term, created_at FROM glossary`+
			where+` ORDER BY source_lang, target_lang, source_term`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []GlossaryEntry
	for rows.Next() {
		var e GlossaryEntry
		if err := rows.Scan(&e.ID, &e.SourceLang, &e.TargetLang, &e.SourceTerm, &e.TargetTerm, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteGlossaryTerm(ctx context.Context, id string) error {
	return affected(s.db.ExecContext(ctx, `DELETE FROM glossary WHERE id = ?`, id))
}
