package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dream_pipeline/internal/domain"
)

// insertChunkSize keeps multi-row inserts well below the 65535 parameter limit.
const insertChunkSize = 1000

const maxDeadlockRetries = 3

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var titleColumns = []string{
	"id", "title", "title_normalized", "slug", "status", "priority", "scheduled_for",
	"meta_title", "meta_description", "content_html", "content_toc", "related_keywords", "faqs",
	"image_prompt", "image_url", "image_alt", "last_error",
	"last_generation_at", "published_at", "created_at", "updated_at",
}

type titleRow struct {
	ID               string     `db:"id"`
	Title            string     `db:"title"`
	Normalized       string     `db:"title_normalized"`
	Slug             string     `db:"slug"`
	Status           string     `db:"status"`
	Priority         int        `db:"priority"`
	ScheduledFor     *time.Time `db:"scheduled_for"`
	MetaTitle        *string    `db:"meta_title"`
	MetaDescription  *string    `db:"meta_description"`
	ContentHTML      *string    `db:"content_html"`
	ContentTOC       []byte     `db:"content_toc"`
	RelatedKeywords  []byte     `db:"related_keywords"`
	FAQs             []byte     `db:"faqs"`
	ImagePrompt      *string    `db:"image_prompt"`
	ImageURL         *string    `db:"image_url"`
	ImageAlt         *string    `db:"image_alt"`
	LastError        *string    `db:"last_error"`
	LastGenerationAt *time.Time `db:"last_generation_at"`
	PublishedAt      *time.Time `db:"published_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r titleRow) toDomain() (*domain.Title, error) {
	t := &domain.Title{
		ID:               r.ID,
		Title:            r.Title,
		Normalized:       r.Normalized,
		Slug:             r.Slug,
		Status:           domain.TitleStatus(r.Status),
		Priority:         r.Priority,
		ScheduledFor:     r.ScheduledFor,
		MetaTitle:        r.MetaTitle,
		MetaDescription:  r.MetaDescription,
		ContentHTML:      r.ContentHTML,
		ImagePrompt:      r.ImagePrompt,
		ImageURL:         r.ImageURL,
		ImageAlt:         r.ImageAlt,
		LastError:        r.LastError,
		LastGenerationAt: r.LastGenerationAt,
		PublishedAt:      r.PublishedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if err := unmarshalJSONColumn(r.ContentTOC, &t.TOC); err != nil {
		return nil, fmt.Errorf("decode content_toc: %w", err)
	}
	if err := unmarshalJSONColumn(r.RelatedKeywords, &t.RelatedKeywords); err != nil {
		return nil, fmt.Errorf("decode related_keywords: %w", err)
	}
	if err := unmarshalJSONColumn(r.FAQs, &t.FAQs); err != nil {
		return nil, fmt.Errorf("decode faqs: %w", err)
	}
	return t, nil
}

func unmarshalJSONColumn(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func jsonColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

type TitleStore struct {
	db *sqlx.DB
}

func NewTitleStore(db *sqlx.DB) *TitleStore {
	return &TitleStore{db: db}
}

// ExistingNormalized returns the subset of keys already stored.
func (s *TitleStore) ExistingNormalized(ctx context.Context, keys []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if len(keys) == 0 {
		return result, nil
	}

	var found []string
	err := selectContext(ctx, s.db, &found,
		`SELECT title_normalized FROM titles WHERE title_normalized = ANY($1)`,
		pq.StringArray(keys),
	)
	if err != nil {
		return nil, fmt.Errorf("query normalized keys: %w", err)
	}

	for _, k := range found {
		result[k] = true
	}
	return result, nil
}

// ExistingSlugs returns every stored slug equal to one of bases or starting with
// one of them followed by a dash.
func (s *TitleStore) ExistingSlugs(ctx context.Context, bases []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if len(bases) == 0 {
		return result, nil
	}

	patterns := make([]string, len(bases))
	for i, b := range bases {
		patterns[i] = b + "-%"
	}

	var found []string
	err := selectContext(ctx, s.db, &found,
		`SELECT slug FROM titles WHERE slug = ANY($1) OR slug LIKE ANY($2)`,
		pq.StringArray(bases), pq.StringArray(patterns),
	)
	if err != nil {
		return nil, fmt.Errorf("query slugs: %w", err)
	}

	for _, slug := range found {
		result[slug] = true
	}
	return result, nil
}

// InsertBatch stores new titles, silently skipping rows that hit a unique
// constraint, and returns the ids that were actually inserted. All chunks are
// written in one transaction. Rows are inserted in normalized-key order so
// concurrent batches take their index locks in the same order; a batch that is
// still chosen as a deadlock victim is retried when it owns the transaction.
func (s *TitleStore) InsertBatch(ctx context.Context, titles []domain.Title) ([]string, error) {
	ordered := slices.Clone(titles)
	slices.SortFunc(ordered, func(a, b domain.Title) int {
		return strings.Compare(a.Normalized, b.Normalized)
	})

	owned := GetTxFromContext(ctx) == nil
	for attempt := 1; ; attempt++ {
		inserted, err := s.insertBatch(ctx, ordered)
		if err == nil {
			return inserted, nil
		}
		if !owned || attempt == maxDeadlockRetries || !isDeadlock(err) {
			return nil, err
		}
	}
}

func (s *TitleStore) insertBatch(ctx context.Context, titles []domain.Title) ([]string, error) {
	var inserted []string
	now := time.Now().UTC()

	err := withTx(ctx, s.db, func(txCtx context.Context) error {
		inserted = nil
		for start := 0; start < len(titles); start += insertChunkSize {
			end := min(start+insertChunkSize, len(titles))

			q := psql.Insert("titles").
				Columns("id", "title", "title_normalized", "slug", "status", "priority", "created_at", "updated_at")
			for _, t := range titles[start:end] {
				q = q.Values(t.ID, t.Title, t.Normalized, t.Slug, string(t.Status), t.Priority, now, now)
			}
			query, args, err := q.Suffix("ON CONFLICT DO NOTHING RETURNING id").ToSql()
			if err != nil {
				return fmt.Errorf("build insert: %w", err)
			}

			var ids []string
			if err := selectContext(txCtx, s.db, &ids, query, args...); err != nil {
				return fmt.Errorf("insert titles: %w", err)
			}
			inserted = append(inserted, ids...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func isDeadlock(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40P01"
}

func (s *TitleStore) GetByID(ctx context.Context, id string) (*domain.Title, error) {
	return s.get(ctx, id, false)
}

// GetForUpdate loads a title and locks its row until the surrounding transaction ends.
func (s *TitleStore) GetForUpdate(ctx context.Context, id string) (*domain.Title, error) {
	return s.get(ctx, id, true)
}

func (s *TitleStore) get(ctx context.Context, id string, lock bool) (*domain.Title, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrTitleNotFound
	}

	q := psql.Select(titleColumns...).From("titles").Where(sq.Eq{"id": id})
	if lock {
		q = q.Suffix("FOR UPDATE")
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var row titleRow
	err = getContext(ctx, s.db, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTitleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get title: %w", err)
	}
	return row.toDomain()
}

// Update persists every mutable field of the title.
func (s *TitleStore) Update(ctx context.Context, t *domain.Title) error {
	toc, err := jsonColumn(t.TOC)
	if err != nil {
		return fmt.Errorf("encode toc: %w", err)
	}
	keywords, err := jsonColumn(t.RelatedKeywords)
	if err != nil {
		return fmt.Errorf("encode keywords: %w", err)
	}
	faqs, err := jsonColumn(t.FAQs)
	if err != nil {
		return fmt.Errorf("encode faqs: %w", err)
	}

	query := `
		UPDATE titles SET
			status = $2,
			priority = $3,
			scheduled_for = $4,
			meta_title = $5,
			meta_description = $6,
			content_html = $7,
			content_toc = $8,
			related_keywords = $9,
			faqs = $10,
			image_prompt = $11,
			image_url = $12,
			image_alt = $13,
			last_error = $14,
			last_generation_at = $15,
			published_at = $16,
			updated_at = now()
		WHERE id = $1`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		t.ID,
		string(t.Status),
		t.Priority,
		t.ScheduledFor,
		t.MetaTitle,
		t.MetaDescription,
		t.ContentHTML,
		toc,
		keywords,
		faqs,
		t.ImagePrompt,
		t.ImageURL,
		t.ImageAlt,
		t.LastError,
		t.LastGenerationAt,
		t.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrTitleNotFound
	}
	return nil
}

// List returns titles matching the filter, oldest first unless ByPriority is set.
func (s *TitleStore) List(ctx context.Context, f domain.TitleFilter) ([]domain.Title, error) {
	q := psql.Select(titleColumns...).From("titles t")

	if f.Status != nil {
		q = q.Where(sq.Eq{"t.status": string(*f.Status)})
	}
	if f.WithoutOpenJob {
		q = q.Where(`NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.title_id = t.id AND j.status IN ('QUEUED', 'ACTIVE', 'RETRYING'))`)
	}
	if f.DueBy != nil {
		q = q.Where(sq.Or{sq.Eq{"t.scheduled_for": nil}, sq.LtOrEq{"t.scheduled_for": *f.DueBy}})
	}
	if f.ByPriority {
		q = q.OrderBy("t.priority DESC", "t.scheduled_for ASC NULLS LAST", "t.created_at ASC")
	} else {
		q = q.OrderBy("t.created_at ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	var rows []titleRow
	if err := selectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list titles: %w", err)
	}

	titles := make([]domain.Title, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		titles = append(titles, *t)
	}
	return titles, nil
}
