//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"dream_pipeline/internal/domain"
	"dream_pipeline/internal/service"
	"dream_pipeline/testdata/utils"
)

type PostgresIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	db        *sqlx.DB
}

func (s *PostgresIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	migrationsPath, err := filepath.Abs("../../../migrations")
	s.Require().NoError(err)

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.WithInitScripts(
			filepath.Join(migrationsPath, "001_create_titles.up.sql"),
			filepath.Join(migrationsPath, "002_create_jobs.up.sql"),
			filepath.Join(migrationsPath, "003_create_settings.up.sql"),
		),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := sqlx.Connect("postgres", connStr)
	s.Require().NoError(err)
	s.db = db
}

func (s *PostgresIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PostgresIntegrationSuite) SetupTest() {
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM jobs")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM titles")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM settings")
}

func TestPostgresIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PostgresIntegrationSuite))
}

func (s *PostgresIntegrationSuite) newQueue() *JobQueue {
	q := NewJobQueue(s.db, QueueConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
	q.jitter = func() float64 { return 0 }
	return q
}

func (s *PostgresIntegrationSuite) insertTitle(title, normalized, slug string) string {
	store := NewTitleStore(s.db)
	id := uuid.NewString()
	ids, err := store.InsertBatch(s.ctx, []domain.Title{{
		ID:         id,
		Title:      title,
		Normalized: normalized,
		Slug:       slug,
		Status:     domain.TitleQueued,
	}})
	s.Require().NoError(err)
	s.Require().Equal([]string{id}, ids)
	return id
}

func (s *PostgresIntegrationSuite) TestTitleStore_InsertBatch_SkipsConflicts() {
	store := NewTitleStore(s.db)
	s.insertTitle("Rüyada Uçmak", "ruyada ucmak", "ruyada-ucmak")

	second := uuid.NewString()
	third := uuid.NewString()
	ids, err := store.InsertBatch(s.ctx, []domain.Title{
		{ID: uuid.NewString(), Title: "Rüyada uçmak", Normalized: "ruyada ucmak", Slug: "ruyada-ucmak-2", Status: domain.TitleQueued},
		{ID: second, Title: "Ruyada-ucmak", Normalized: "ruyada-ucmak", Slug: "ruyada-ucmak", Status: domain.TitleQueued},
		{ID: third, Title: "Rüyada Deniz Görmek", Normalized: "ruyada deniz gormek", Slug: "ruyada-deniz-gormek", Status: domain.TitleQueued},
	})
	s.NoError(err)
	s.ElementsMatch([]string{third}, ids)

	var count int
	s.NoError(s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM titles"))
	s.Equal(2, count)
}

func (s *PostgresIntegrationSuite) TestTitleStore_InsertBatch_IsAllOrNothing() {
	store := NewTitleStore(s.db)

	titles := make([]domain.Title, 0, insertChunkSize+1)
	for i := range insertChunkSize {
		key := fmt.Sprintf("a %04d", i)
		titles = append(titles, domain.Title{
			ID: uuid.NewString(), Title: key, Normalized: key, Slug: fmt.Sprintf("a-%04d", i), Status: domain.TitleQueued,
		})
	}
	titles = append(titles, domain.Title{
		ID: uuid.NewString(), Title: "z", Normalized: "z", Slug: "z", Status: domain.TitleStatus("BOGUS"),
	})

	ids, err := store.InsertBatch(s.ctx, titles)
	s.Error(err)
	s.Empty(ids)

	var count int
	s.NoError(s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM titles"))
	s.Equal(0, count)
}

func (s *PostgresIntegrationSuite) TestImport_ConcurrentOverlappingBatches() {
	importer := service.NewImportService(NewTitleStore(s.db), slog.New(slog.NewTextHandler(io.Discard, nil)))

	pool := []string{
		"Rüyada uçmak", "Rüyada deniz görmek", "Rüyada yılan görmek", "Rüyada su içmek",
		"Rüyada ekmek yemek", "Rüyada kedi sevmek", "Rüyada ev almak", "Rüyada yağmur yağması",
		"Rüyada araba sürmek", "Rüyada altın bulmak",
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for w := range workers {
		batch := []string{"", "?!"}
		for i := range 6 {
			batch = append(batch, pool[(w+i)%len(pool)])
		}
		batch = append(batch, strings.ToUpper(pool[w%len(pool)]))

		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := importer.Import(s.ctx, batch)
			if !s.NoError(err) {
				return
			}
			st := result.Stats
			s.Equal(len(batch), st.Total)
			s.Equal(st.Total, st.Created+st.SkippedExisting+st.SkippedInvalid+st.DuplicatesInFile)
			s.Equal(2, st.SkippedInvalid)
			s.Equal(1, st.DuplicatesInFile)

			mu.Lock()
			created += st.Created
			mu.Unlock()
		}()
	}
	wg.Wait()

	var count int
	s.Require().NoError(s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM titles"))
	s.Equal(len(pool), count)
	s.Equal(count, created)

	var duplicated int
	s.Require().NoError(s.db.GetContext(s.ctx, &duplicated,
		"SELECT COUNT(*) FROM (SELECT slug FROM titles GROUP BY slug HAVING COUNT(*) > 1) d"))
	s.Equal(0, duplicated)
	s.Require().NoError(s.db.GetContext(s.ctx, &duplicated,
		"SELECT COUNT(*) FROM (SELECT title_normalized FROM titles GROUP BY title_normalized HAVING COUNT(*) > 1) d"))
	s.Equal(0, duplicated)
}

func (s *PostgresIntegrationSuite) TestTitleStore_ExistingNormalizedAndSlugs() {
	store := NewTitleStore(s.db)
	s.insertTitle("Rüyada Uçmak", "ruyada ucmak", "ruyada-ucmak")
	s.insertTitle("Rüyada uçmak!", "ruyada ucmak!", "ruyada-ucmak-2")
	s.insertTitle("Rüyada Uçmaktan Korkmak", "ruyada ucmaktan korkmak", "ruyada-ucmaktan-korkmak")

	existing, err := store.ExistingNormalized(s.ctx, []string{"ruyada ucmak", "yok"})
	s.NoError(err)
	s.Equal(map[string]bool{"ruyada ucmak": true}, existing)

	slugs, err := store.ExistingSlugs(s.ctx, []string{"ruyada-ucmak"})
	s.NoError(err)
	s.True(slugs["ruyada-ucmak"])
	s.True(slugs["ruyada-ucmak-2"])
	s.False(slugs["ruyada-ucmaktan-korkmak"])
}

func (s *PostgresIntegrationSuite) TestTitleStore_UpdateAndGet() {
	store := NewTitleStore(s.db)
	id := s.insertTitle("Rüyada Uçmak", "ruyada ucmak", "ruyada-ucmak")

	title, err := store.GetByID(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(domain.TitleQueued, title.Status)
	s.Empty(title.TOC)

	now := time.Now().UTC().Truncate(time.Microsecond)
	title.Status = domain.TitleGenerating
	title.ApplyDraft(&domain.Draft{
		MetaTitle:       "Rüyada Uçmak",
		MetaDescription: "Açıklama",
		HTML:            "<h2>Giriş</h2>",
		TOC:             []string{"Giriş"},
		RelatedKeywords: []string{"uçmak"},
		FAQs:            []domain.FAQ{{Question: "Ne demek?", Answer: "Özgürlük."}},
		ImagePrompt:     "sky",
		ImageAlt:        "alt",
	})
	title.LastGenerationAt = &now
	s.Require().NoError(store.Update(s.ctx, title))

	got, err := store.GetByID(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(domain.TitleGenerating, got.Status)
	s.Equal([]string{"Giriş"}, got.TOC)
	s.Equal([]domain.FAQ{{Question: "Ne demek?", Answer: "Özgürlük."}}, got.FAQs)
	s.Equal("<h2>Giriş</h2>", *got.ContentHTML)
	s.WithinDuration(now, *got.LastGenerationAt, time.Millisecond)
}

func (s *PostgresIntegrationSuite) TestTitleStore_GetByID_NotFound() {
	store := NewTitleStore(s.db)

	_, err := store.GetByID(s.ctx, uuid.NewString())
	s.ErrorIs(err, domain.ErrTitleNotFound)

	_, err = store.GetByID(s.ctx, "not-a-uuid")
	s.ErrorIs(err, domain.ErrTitleNotFound)

	err = store.Update(s.ctx, &domain.Title{ID: uuid.NewString(), Status: domain.TitleQueued})
	s.ErrorIs(err, domain.ErrTitleNotFound)
}

func (s *PostgresIntegrationSuite) TestTitleStore_List_Filters() {
	store := NewTitleStore(s.db)
	queue := s.newQueue()

	low := s.insertTitle("a", "a", "a")
	high := s.insertTitle("b", "b", "b")
	busy := s.insertTitle("c", "c", "c")
	later := s.insertTitle("d", "d", "d")

	_, err := s.db.ExecContext(s.ctx, "UPDATE titles SET priority = 10 WHERE id = $1", high)
	s.Require().NoError(err)
	_, err = s.db.ExecContext(s.ctx, "UPDATE titles SET scheduled_for = now() + interval '1 day' WHERE id = $1", later)
	s.Require().NoError(err)
	_, err = queue.Enqueue(s.ctx, domain.JobText, busy)
	s.Require().NoError(err)

	now := time.Now()
	titles, err := store.List(s.ctx, domain.TitleFilter{
		Status:         utils.Ptr(domain.TitleQueued),
		WithoutOpenJob: true,
		DueBy:          &now,
		ByPriority:     true,
	})
	s.NoError(err)
	s.Require().Len(titles, 2)
	s.Equal(high, titles[0].ID)
	s.Equal(low, titles[1].ID)

	limited, err := store.List(s.ctx, domain.TitleFilter{Limit: 1})
	s.NoError(err)
	s.Len(limited, 1)
}

func (s *PostgresIntegrationSuite) TestJobQueue_EnqueueIsUniquePerOpenJob() {
	queue := s.newQueue()
	titleID := s.insertTitle("a", "a", "a")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		enqueued int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := queue.Enqueue(s.ctx, domain.JobText, titleID)
			s.NoError(err)
			if ok {
				mu.Lock()
				enqueued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, enqueued)

	ok, err := queue.Enqueue(s.ctx, domain.JobImage, titleID)
	s.NoError(err)
	s.True(ok)

	job, err := queue.Claim(s.ctx, domain.JobText, time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(job)
	s.Require().NoError(queue.Acknowledge(s.ctx, job))

	ok, err = queue.Enqueue(s.ctx, domain.JobText, titleID)
	s.NoError(err)
	s.True(ok)
}

func (s *PostgresIntegrationSuite) TestJobQueue_ClaimIsExclusive() {
	queue := s.newQueue()
	for i := range 5 {
		id := s.insertTitle(uuid.NewString(), uuid.NewString(), uuid.NewString())
		_, err := queue.Enqueue(s.ctx, domain.JobText, id)
		s.Require().NoError(err, i)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := queue.Claim(s.ctx, domain.JobText, time.Minute)
			s.NoError(err)
			if job != nil {
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Len(claimed, 5)
	for id, n := range claimed {
		s.Equal(1, n, id)
	}
}

func (s *PostgresIntegrationSuite) TestJobQueue_ClaimOrdersByPriority() {
	queue := s.newQueue()
	first := s.insertTitle("a", "a", "a")
	urgent := s.insertTitle("b", "b", "b")

	_, err := queue.Enqueue(s.ctx, domain.JobText, first)
	s.Require().NoError(err)
	_, err = queue.EnqueueAt(s.ctx, domain.JobText, urgent, time.Time{}, domain.PriorityGenerateNow)
	s.Require().NoError(err)

	job, err := queue.Claim(s.ctx, domain.JobText, time.Minute)
	s.Require().NoError(err)
	s.Equal(urgent, job.TitleID)
	s.Equal(domain.JobActive, job.Status)
	s.NotNil(job.LeaseExpiresAt)

	none, err := queue.Claim(s.ctx, domain.JobImage, time.Minute)
	s.NoError(err)
	s.Nil(none)
}

func (s *PostgresIntegrationSuite) TestJobQueue_ExpiredLeaseIsReclaimed() {
	queue := s.newQueue()
	titleID := s.insertTitle("a", "a", "a")
	_, err := queue.Enqueue(s.ctx, domain.JobText, titleID)
	s.Require().NoError(err)

	job, err := queue.Claim(s.ctx, domain.JobText, 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().NotNil(job)

	again, err := queue.Claim(s.ctx, domain.JobText, time.Minute)
	s.NoError(err)
	s.Nil(again)

	time.Sleep(100 * time.Millisecond)

	again, err = queue.Claim(s.ctx, domain.JobText, time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(again)
	s.Equal(job.ID, again.ID)
	s.Equal(0, again.Attempts)
}

func (s *PostgresIntegrationSuite) TestJobQueue_ReclaimedLeaseRejectsPreviousHolder() {
	queue := s.newQueue()
	titleID := s.insertTitle("a", "a", "a")
	_, err := queue.Enqueue(s.ctx, domain.JobText, titleID)
	s.Require().NoError(err)

	stale, err := queue.Claim(s.ctx, domain.JobText, 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().NotNil(stale)
	s.Require().NotNil(stale.LeaseToken)

	time.Sleep(100 * time.Millisecond)

	current, err := queue.Claim(s.ctx, domain.JobText, time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(current)
	s.Equal(stale.ID, current.ID)
	s.NotEqual(*stale.LeaseToken, *current.LeaseToken)

	s.ErrorIs(queue.Acknowledge(s.ctx, stale), domain.ErrLeaseLost)
	_, err = queue.Fail(s.ctx, stale, errors.New("late failure"))
	s.ErrorIs(err, domain.ErrLeaseLost)

	got, err := queue.Get(s.ctx, current.ID)
	s.Require().NoError(err)
	s.Equal(domain.JobActive, got.Status)
	s.Equal(0, got.Attempts)

	s.NoError(queue.Acknowledge(s.ctx, current))
}

func (s *PostgresIntegrationSuite) TestJobQueue_FailRetriesThenFails() {
	queue := s.newQueue()
	titleID := s.insertTitle("a", "a", "a")
	_, err := queue.Enqueue(s.ctx, domain.JobText, titleID)
	s.Require().NoError(err)

	cause := errors.New("generator timeout")
	for attempt := 1; attempt <= 3; attempt++ {
		var job *domain.Job
		s.Eventually(func() bool {
			job, err = queue.Claim(s.ctx, domain.JobText, time.Minute)
			return err == nil && job != nil
		}, time.Second, 5*time.Millisecond)

		failed, err := queue.Fail(s.ctx, job, cause)
		s.Require().NoError(err)
		s.Equal(attempt, failed.Attempts)
		s.Equal("generator timeout", *failed.LastError)
		if attempt < 3 {
			s.Equal(domain.JobRetrying, failed.Status)
		} else {
			s.Equal(domain.JobFailed, failed.Status)
		}
	}

	time.Sleep(20 * time.Millisecond)
	job, err := queue.Claim(s.ctx, domain.JobText, time.Minute)
	s.NoError(err)
	s.Nil(job)

	ok, err := queue.Enqueue(s.ctx, domain.JobText, titleID)
	s.NoError(err)
	s.True(ok)
}

func (s *PostgresIntegrationSuite) TestJobQueue_AcknowledgeRequiresActive() {
	queue := s.newQueue()
	titleID := s.insertTitle("a", "a", "a")
	_, err := queue.Enqueue(s.ctx, domain.JobText, titleID)
	s.Require().NoError(err)

	var jobID string
	s.Require().NoError(s.db.GetContext(s.ctx, &jobID, "SELECT id FROM jobs WHERE title_id = $1", titleID))

	s.ErrorIs(queue.Acknowledge(s.ctx, &domain.Job{ID: jobID}), domain.ErrJobNotActive)
	s.ErrorIs(queue.Acknowledge(s.ctx, &domain.Job{ID: uuid.NewString()}), domain.ErrJobNotFound)

	_, err = queue.Fail(s.ctx, &domain.Job{ID: jobID}, errors.New("x"))
	s.ErrorIs(err, domain.ErrJobNotActive)
}

func (s *PostgresIntegrationSuite) TestJobQueue_FailPermanently() {
	queue := s.newQueue()
	titleID := s.insertTitle("a", "a", "a")
	_, err := queue.Enqueue(s.ctx, domain.JobImage, titleID)
	s.Require().NoError(err)

	job, err := queue.Claim(s.ctx, domain.JobImage, time.Minute)
	s.Require().NoError(err)

	failed, err := queue.FailPermanently(s.ctx, job, domain.ErrTitleNotFound)
	s.NoError(err)
	s.Equal(domain.JobFailed, failed.Status)
	s.Equal(1, failed.Attempts)
}

func (s *PostgresIntegrationSuite) TestJobQueue_CancelOpenAndCount() {
	queue := s.newQueue()
	titleID := s.insertTitle("a", "a", "a")
	start := time.Now().Add(-time.Second)

	_, err := queue.Enqueue(s.ctx, domain.JobText, titleID)
	s.Require().NoError(err)
	_, err = queue.Enqueue(s.ctx, domain.JobPublish, titleID)
	s.Require().NoError(err)
	_, err = queue.Claim(s.ctx, domain.JobPublish, time.Minute)
	s.Require().NoError(err)

	n, err := queue.CancelOpen(s.ctx, titleID, domain.ReasonSuperseded)
	s.NoError(err)
	s.Equal(int64(1), n)

	count, err := queue.CountCreatedSince(s.ctx, domain.JobText, start)
	s.NoError(err)
	s.Equal(0, count)

	ok, err := queue.Enqueue(s.ctx, domain.JobText, titleID)
	s.NoError(err)
	s.True(ok)

	count, err = queue.CountCreatedSince(s.ctx, domain.JobText, start)
	s.NoError(err)
	s.Equal(1, count)

	stats, err := queue.Stats(s.ctx)
	s.NoError(err)
	s.Contains(stats, domain.QueueDepth{Type: domain.JobPublish, Status: domain.JobActive, Count: 1})
	s.Contains(stats, domain.QueueDepth{Type: domain.JobText, Status: domain.JobQueued, Count: 1})
	s.Contains(stats, domain.QueueDepth{Type: domain.JobText, Status: domain.JobFailed, Count: 1})
}

func (s *PostgresIntegrationSuite) TestSettingsStore_UpsertMany() {
	store := NewSettingsStore(s.db)

	n, err := store.UpsertMany(s.ctx, map[string]json.RawMessage{
		domain.SettingsLimits:    json.RawMessage(`{"dailyMax":3}`),
		domain.SettingsScheduler: json.RawMessage(`{"ratePerDay":2,"publishTimes":["10:00"],"timezone":"UTC"}`),
	})
	s.NoError(err)
	s.Equal(2, n)

	n, err = store.UpsertMany(s.ctx, map[string]json.RawMessage{
		domain.SettingsLimits: json.RawMessage(`{"dailyMax":7}`),
	})
	s.NoError(err)
	s.Equal(1, n)

	all, err := store.GetAll(s.ctx)
	s.NoError(err)
	s.Len(all, 2)
	s.JSONEq(`{"dailyMax":7}`, string(all[domain.SettingsLimits]))

	s.NoError(store.Ping(s.ctx))
}

func (s *PostgresIntegrationSuite) TestTransaction_Commit() {
	tm := NewTransactionManager(s.db)
	store := NewTitleStore(s.db)
	queue := s.newQueue()
	titleID := s.insertTitle("a", "a", "a")

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		title, err := store.GetForUpdate(ctx, titleID)
		if err != nil {
			return err
		}
		if err := title.TransitionTo(domain.TitleGenerating); err != nil {
			return err
		}
		if err := store.Update(ctx, title); err != nil {
			return err
		}
		_, err = queue.Enqueue(ctx, domain.JobImage, titleID)
		return err
	})
	s.NoError(err)

	var count int
	s.NoError(s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM jobs WHERE title_id = $1 AND type = 'IMAGE'", titleID))
	s.Equal(1, count)
}

func (s *PostgresIntegrationSuite) TestTransaction_Rollback() {
	tm := NewTransactionManager(s.db)
	store := NewTitleStore(s.db)
	queue := s.newQueue()
	titleID := s.insertTitle("a", "a", "a")

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		title, err := store.GetForUpdate(ctx, titleID)
		if err != nil {
			return err
		}
		title.Status = domain.TitleReady
		if err := store.Update(ctx, title); err != nil {
			return err
		}
		if _, err := queue.Enqueue(ctx, domain.JobPublish, titleID); err != nil {
			return err
		}
		return context.Canceled
	})
	s.Error(err)

	title, err := store.GetByID(s.ctx, titleID)
	s.NoError(err)
	s.Equal(domain.TitleQueued, title.Status)

	var count int
	s.NoError(s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM jobs WHERE title_id = $1", titleID))
	s.Equal(0, count)
}
