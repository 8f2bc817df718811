package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"dream_pipeline/internal/domain"
	"dream_pipeline/internal/slug"
)

// maxSlugRounds bounds how often rows that lost a slug race are re-suffixed and retried.
const maxSlugRounds = 5

// ImportObserver receives the outcome of every finished import.
type ImportObserver interface {
	ObserveImport(stats domain.ImportStats)
}

type ImportService struct {
	titles   TitleStore
	observer ImportObserver
	logger   *slog.Logger
	newID    func() string
}

func NewImportService(titles TitleStore, logger *slog.Logger) *ImportService {
	return &ImportService{
		titles: titles,
		logger: logger.With("component", "importer"),
		newID:  uuid.NewString,
	}
}

// WithObserver reports import statistics to o.
func (s *ImportService) WithObserver(o ImportObserver) *ImportService {
	s.observer = o
	return s
}

type importCandidate struct {
	title      string
	normalized string
}

// Import stores every new title in rawTitles as QUEUED. Invalid lines, repeats
// within the batch and titles whose normalized key is already stored are counted
// and dropped. Rows that lose a concurrent insert race never fail the batch.
func (s *ImportService) Import(ctx context.Context, rawTitles []string) (*domain.ImportResult, error) {
	startTime := time.Now()
	result := &domain.ImportResult{Stats: domain.ImportStats{Total: len(rawTitles)}}
	stats := &result.Stats

	candidates := s.dedupe(rawTitles, stats)
	if len(candidates) == 0 {
		s.logDone(result, startTime)
		return result, nil
	}

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.normalized
	}
	existing, err := s.titles.ExistingNormalized(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("check existing titles: %w", err)
	}

	fresh := candidates[:0]
	for _, c := range candidates {
		if existing[c.normalized] {
			stats.SkippedExisting++
			continue
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		s.logDone(result, startTime)
		return result, nil
	}

	pending := make([]domain.Title, len(fresh))
	bases := make(map[string]string, len(fresh))
	for i, c := range fresh {
		id := s.newID()
		pending[i] = domain.Title{
			ID:         id,
			Title:      c.title,
			Normalized: c.normalized,
			Status:     domain.TitleQueued,
		}
		bases[id] = slug.Base(c.title, c.normalized)
	}

	if err := s.assignSlugs(ctx, pending, bases); err != nil {
		return nil, err
	}

	for round := 1; len(pending) > 0; round++ {
		ids, err := s.titles.InsertBatch(ctx, pending)
		if err != nil {
			return nil, fmt.Errorf("insert titles: %w", err)
		}
		stats.Created += len(ids)

		pending, err = s.lostRows(ctx, pending, ids, stats)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			break
		}
		if round == maxSlugRounds {
			s.logger.Warn("dropping titles after repeated slug conflicts", "count", len(pending))
			stats.SkippedExisting += len(pending)
			break
		}

		s.logger.Debug("retrying titles with conflicting slugs", "count", len(pending), "round", round)
		if err := s.assignSlugs(ctx, pending, bases); err != nil {
			return nil, err
		}
	}

	result.Queued = stats.Created
	s.logDone(result, startTime)
	return result, nil
}

func (s *ImportService) dedupe(rawTitles []string, stats *domain.ImportStats) []importCandidate {
	seen := make(map[string]bool, len(rawTitles))
	candidates := make([]importCandidate, 0, len(rawTitles))

	for _, raw := range rawTitles {
		title := strings.TrimSpace(raw)
		if title == "" {
			stats.SkippedInvalid++
			continue
		}
		normalized := slug.Normalize(title)
		if normalized == "" {
			stats.SkippedInvalid++
			continue
		}
		if seen[normalized] {
			stats.DuplicatesInFile++
			continue
		}
		seen[normalized] = true
		candidates = append(candidates, importCandidate{title: title, normalized: normalized})
	}

	return candidates
}

// assignSlugs gives every title the first free suffix of its base, avoiding
// stored slugs and the slugs already handed out within the batch.
func (s *ImportService) assignSlugs(ctx context.Context, titles []domain.Title, bases map[string]string) error {
	unique := make([]string, 0, len(titles))
	seen := make(map[string]bool, len(titles))
	for _, t := range titles {
		base := bases[t.ID]
		if !seen[base] {
			seen[base] = true
			unique = append(unique, base)
		}
	}

	taken, err := s.titles.ExistingSlugs(ctx, unique)
	if err != nil {
		return fmt.Errorf("check existing slugs: %w", err)
	}
	if taken == nil {
		taken = make(map[string]bool)
	}

	isTaken := func(candidate string) bool { return taken[candidate] }
	for i := range titles {
		candidate := slug.NextFree(bases[titles[i].ID], isTaken)
		taken[candidate] = true
		titles[i].Slug = candidate
	}
	return nil
}

// lostRows returns the titles that were not inserted and still deserve another
// attempt. Rows whose normalized key appeared meanwhile are counted as existing.
func (s *ImportService) lostRows(ctx context.Context, attempted []domain.Title, insertedIDs []string, stats *domain.ImportStats) ([]domain.Title, error) {
	if len(insertedIDs) == len(attempted) {
		return nil, nil
	}

	inserted := make(map[string]bool, len(insertedIDs))
	for _, id := range insertedIDs {
		inserted[id] = true
	}

	var lost []domain.Title
	var keys []string
	for _, t := range attempted {
		if !inserted[t.ID] {
			lost = append(lost, t)
			keys = append(keys, t.Normalized)
		}
	}

	existing, err := s.titles.ExistingNormalized(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("recheck existing titles: %w", err)
	}

	retry := lost[:0]
	for _, t := range lost {
		if existing[t.Normalized] {
			stats.SkippedExisting++
			continue
		}
		retry = append(retry, t)
	}
	return retry, nil
}

func (s *ImportService) logDone(result *domain.ImportResult, startTime time.Time) {
	if s.observer != nil {
		s.observer.ObserveImport(result.Stats)
	}
	s.logger.Info("import completed",
		"total", result.Stats.Total,
		"created", result.Stats.Created,
		"skipped_existing", result.Stats.SkippedExisting,
		"skipped_invalid", result.Stats.SkippedInvalid,
		"duplicates_in_file", result.Stats.DuplicatesInFile,
		"queued", result.Queued,
		"duration", time.Since(startTime),
	)
}
