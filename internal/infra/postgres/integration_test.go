//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/catalog"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/retry"
)

const testDimension = 3

var testDB *DB

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("could not construct docker pool: %v", err)
	}
	pool.MaxWait = 2 * time.Minute

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "pgvector/pgvector",
		Tag:        "pg16",
		Env: []string{
			"POSTGRES_USER=cbp",
			"POSTGRES_PASSWORD=cbp",
			"POSTGRES_DB=cbp_test",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		log.Fatalf("could not start postgres: %v", err)
	}
	_ = resource.Expire(180)

	var port int
	fmt.Sscanf(resource.GetPort("5432/tcp"), "%d", &port)
	params := ConnectionParams{
		Host:     "localhost",
		Port:     port,
		User:     "cbp",
		Password: "cbp",
		DBName:   "cbp_test",
		SSLMode:  "disable",
		MaxConns: 4,
	}

	if err := pool.Retry(func() error {
		db, err := Open(context.Background(), params)
		if err != nil {
			return err
		}
		testDB = db
		return nil
	}); err != nil {
		log.Fatalf("could not connect to postgres: %v", err)
	}

	if err := EnsureSchema(context.Background(), testDB.Pool, testDimension); err != nil {
		log.Fatalf("could not apply schema: %v", err)
	}

	code := m.Run()

	testDB.Close()
	if err := pool.Purge(resource); err != nil {
		log.Printf("could not purge postgres: %v", err)
	}
	os.Exit(code)
}

func resetTables(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool.Exec(context.Background(), `TRUNCATE course_embeddings, course_metadata, recommended_courses`)
	require.NoError(t, err)
}

func seedCatalog(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	meta := NewCourseMetadataRepository(testDB.Pool, retry.NoRetry())
	vectors := NewCourseVectorRepository(testDB.Pool)

	require.NoError(t, meta.UpsertCourses(ctx, []catalog.Entry{
		{Identifier: "do_stats", CourseMetadata: recommend.CourseMetadata{Title: "Statistics", Provider: "iGOT", Language: "English",
			Competencies: []recommend.Competency{{Area: "Functional", Theme: "Data Analysis"}}}},
		{Identifier: "do_excel", CourseMetadata: recommend.CourseMetadata{Title: "Excel", Provider: "iGOT", Language: "Hindi"}},
		{Identifier: "do_sql", CourseMetadata: recommend.CourseMetadata{Title: "SQL", Provider: "NPTEL", Language: "English"}},
		{Identifier: "do_ethics", CourseMetadata: recommend.CourseMetadata{Title: "Ethics", Provider: "iGOT", Language: "English"}},
	}))
	require.NoError(t, vectors.Upsert(ctx, []catalog.CourseVector{
		{CourseID: "do_stats", Vector: []float32{1, 0, 0}, TextHash: "h1", Model: "m", Provider: "iGOT", Language: "English"},
		{CourseID: "do_excel", Vector: []float32{0.9, 0.1, 0}, TextHash: "h2", Model: "m", Provider: "iGOT", Language: "Hindi"},
		{CourseID: "do_sql", Vector: []float32{0.7, 0.7, 0}, TextHash: "h3", Model: "m", Provider: "NPTEL", Language: "English"},
	}))
}

func TestIntegration_SearchAndHydrate(t *testing.T) {
	resetTables(t)
	seedCatalog(t)
	ctx := context.Background()

	vectors := NewCourseVectorRepository(testDB.Pool)
	got, err := vectors.Search(ctx, []float32{1, 0, 0}, 10, recommend.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "do_stats", got[0].CourseID)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-6)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Similarity, got[i].Similarity)
	}

	filtered, err := vectors.Search(ctx, []float32{1, 0, 0}, 10, recommend.Filters{Language: "english"})
	require.NoError(t, err)
	assert.Equal(t, []string{"do_stats", "do_sql"}, []string{filtered[0].CourseID, filtered[1].CourseID})

	meta := NewCourseMetadataRepository(testDB.Pool, retry.NoRetry())
	found, err := meta.Hydrate(ctx, []string{"do_stats", "do_unknown"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Statistics", found["do_stats"].Title)
	assert.Equal(t, "Data Analysis", found["do_stats"].Competencies[0].Theme)
}

func TestIntegration_ListCoursesReportsIndexState(t *testing.T) {
	resetTables(t)
	seedCatalog(t)

	meta := NewCourseMetadataRepository(testDB.Pool, retry.NoRetry())
	courses, err := meta.ListCourses(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, courses, 4)

	// ID 昇順で、do_ethics は未索引
	assert.Equal(t, "do_ethics", courses[0].ID)
	assert.Empty(t, courses[0].IndexedHash)
	assert.Equal(t, "h2", courses[1].IndexedHash)

	page, err := meta.ListCourses(context.Background(), "do_excel", 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestIntegration_RecommendationRecords(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	repo := NewRecommendationRepository(testDB.Pool)

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &recommend.Record{
		ID:            uuid.New(),
		RoleMappingID: uuid.New(),
		UserID:        uuid.New(),
		Status:        recommend.StatusInProgress,
		Query:         "data analyst",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, repo.Create(ctx, rec))

	dup := *rec
	dup.ID = uuid.New()
	assert.ErrorIs(t, repo.Create(ctx, &dup), recommend.ErrRecordExists)

	courses := []recommend.RankedRecommendation{{CourseID: "do_stats", Rank: 1, Similarity: 0.9}}
	public := []recommend.PublicCourse{{Identifier: "p-1", Title: "Public Policy", Platform: "Coursera", Link: "https://www.coursera.org/learn/policy", IsPublic: true}}
	require.NoError(t, repo.Complete(ctx, rec.ID, "data analyst", courses, public))

	got, err := repo.GetByRoleMapping(ctx, rec.RoleMappingID, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, recommend.StatusCompleted, got.Status)
	assert.Equal(t, courses, got.Courses)
	assert.Equal(t, public, got.PublicCourses)

	replacement := dup
	replacement.Status = recommend.StatusInProgress
	require.NoError(t, repo.Replace(ctx, rec.ID, &replacement))

	got, err = repo.GetByRoleMapping(ctx, rec.RoleMappingID, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, got.ID)

	require.NoError(t, repo.Fail(ctx, replacement.ID, "embedding unavailable"))
	require.NoError(t, repo.Delete(ctx, replacement.ID))

	_, err = repo.GetByRoleMapping(ctx, rec.RoleMappingID, rec.UserID)
	assert.ErrorIs(t, err, recommend.ErrRecordNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, replacement.ID), recommend.ErrRecordNotFound)
}

func TestIntegration_ReplaceRollsBackOnFailure(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	repo := NewRecommendationRepository(testDB.Pool)

	now := time.Now().UTC()
	rec := &recommend.Record{ID: uuid.New(), RoleMappingID: uuid.New(), UserID: uuid.New(),
		Status: recommend.StatusFailed, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.Create(ctx, rec))

	// 存在しないIDの削除は失敗し、既存レコードは残る
	err := repo.Replace(ctx, uuid.New(), &recommend.Record{ID: uuid.New(), RoleMappingID: rec.RoleMappingID,
		UserID: rec.UserID, Status: recommend.StatusInProgress, CreatedAt: now, UpdatedAt: now})
	require.ErrorIs(t, err, recommend.ErrRecordNotFound)

	got, err := repo.GetByRoleMapping(ctx, rec.RoleMappingID, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestIntegration_SearchReturnsMoreThanDefaultEFSearch(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	meta := NewCourseMetadataRepository(testDB.Pool, retry.NoRetry())

	const n = 120
	entries := make([]catalog.Entry, n)
	vecs := make([]catalog.CourseVector, n)
	for i := range n {
		id := fmt.Sprintf("do_%03d", i)
		entries[i] = catalog.Entry{Identifier: id, CourseMetadata: recommend.CourseMetadata{Title: id, Provider: "iGOT", Language: "English"}}
		vecs[i] = catalog.CourseVector{CourseID: id, Vector: []float32{1, float32(i) / n, float32(i%7) / 7},
			TextHash: "h" + id, Model: "m", Provider: "iGOT", Language: "English"}
	}
	require.NoError(t, meta.UpsertCourses(ctx, entries))

	vectors := NewCourseVectorRepository(testDB.Pool)
	require.NoError(t, vectors.Upsert(ctx, vecs))

	got, err := vectors.Search(ctx, []float32{1, 0, 0}, 100, recommend.Filters{})
	require.NoError(t, err)
	assert.Len(t, got, 100)

	// 下限は近傍 topK 件に対して適用され、結果は下限以上だけになる
	thresholded := NewCourseVectorRepository(testDB.Pool, WithMinSimilarity(0.5))
	above, err := thresholded.Search(ctx, []float32{1, 0, 0}, 100, recommend.Filters{})
	require.NoError(t, err)
	assert.Len(t, above, 100)
	for _, c := range above {
		assert.GreaterOrEqual(t, c.Similarity, 0.5)
	}
}
