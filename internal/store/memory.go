package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/valpere/mdtrans/internal"
)

// normalizeText drops surrounding line breaks, unifies line endings and
// applies Unicode NFC so that the same chunk maps to the same key.
// Leading indentation is significant in Markdown and is kept.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return norm.NFC.String(strings.Trim(text, "\n"))
}

// Lookup returns the stored translation for key, if any, and counts the
// use. Invalidated entries miss.
func (s *Store) Lookup(ctx context.Context, key internal.MemoryKey) (string, bool, error) {
	var id, translated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, translated_text FROM translation_memory
		 WHERE source_text = ? AND source_lang = ? AND target_lang = ? AND model = ? AND NOT invalidated`,
		normalizeText(key.Text), key.SourceLang, key.TargetLang, key.Model).Scan(&id, &translated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE translation_memory SET usage_count = usage_count + 1, last_used = ? WHERE id = ?`,
		time.Now(), id); err != nil {
		return "", false, err
	}
	return translated, true, nil
}

// Save stores translation for key. An existing entry is replaced and
// becomes valid again.
func (s *Store) Save(ctx context.Context, key internal.MemoryKey, translation string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO translation_memory (id, source_text, source_lang, target_lang, model, translated_text, last_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_text, source_lang, target_lang, model)
		 DO UPDATE SET translated_text = excluded.translated_text, invalidated = FALSE, last_used = excluded.last_used`,
		"mem_"+uuid.NewString(), normalizeText(key.Text), key.SourceLang, key.TargetLang, key.Model, translation, now, now)
	return err
}

type MemoryEntry struct {
	ID             string
	SourceText     string
	SourceLang     string
	TargetLang     string
	Model          string
	TranslatedText string
	UsageCount     int
	Invalidated    bool
	LastUsed       time.Time
}

// MemoryFilter narrows ListMemory. Zero fields match everything.
type MemoryFilter struct {
	SourceLang string
	TargetLang string
	Model      string
	Limit      int
}

func (f MemoryFilter) where() (string, []any) {
	return whereEqual(
		column{"source_lang", f.SourceLang},
		column{"target_lang", f.TargetLang},
		column{"model", f.Model},
	)
}

// ListMemory returns entries, most recently used first.
func (s *Store) ListMemory(ctx context.Context, filter MemoryFilter) ([]MemoryEntry, error) {
	where, args := filter.where()
	query := `SELECT id, source_text, source_lang, target_lang, model, translated_text, usage_count, invalidated, last_used
		FROM translation_memory` + where + ` ORDER BY last_used DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		if err := rows.Scan(&e.ID, &e.SourceText, &e.SourceLang, &e.TargetLang, &e.Model,
			&e.TranslatedText, &e.UsageCount, &e.Invalidated, &e.LastUsed); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InvalidateMemory keeps an entry but stops serving it until the chunk is
// saved again.
func (s *Store) InvalidateMemory(ctx context.Context, id string) error {
	return affected(s.db.ExecContext(ctx, `UPDATE translation_memory SET invalidated = TRUE WHERE id = ?`, id))
}

func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	return affected(s.db.ExecContext(ctx, `DELETE FROM translation_memory WHERE id = ?`, id))
}

// ClearMemory removes every entry and returns how many there were.
func (s *Store) ClearMemory(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM translation_memory`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type MemoryStats struct {
	TotalEntries   int
	ActiveEntries  int
	InvalidEntries int
	TotalUsage     int
	// Pairs counts active entries per "source->target" language pair.
	Pairs map[string]int
}

func (s *Store) Stats(ctx context.Context) (*MemoryStats, error) {
	stats := &MemoryStats{Pairs: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT source_lang, target_lang, invalidated, COUNT(*), COALESCE(SUM(usage_count), 0)
		 FROM translation_memory GROUP BY source_lang, target_lang, invalidated`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			src, tgt     string
			invalid      bool
			count, usage int
		)
		if err := rows.Scan(&src, &tgt, &invalid, &count, &usage); err != nil {
			return nil, err
		}
		stats.TotalEntries += count
		stats.TotalUsage += usage
		if invalid {
			stats.InvalidEntries += count
			continue
		}
		stats.ActiveEntries += count
		stats.Pairs[src+"->"+tgt] += count
	}
	return stats, rows.Err()
}
