package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/catalog"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

func TestRenderRecommendations(t *testing.T) {
	resp := &recommend.Response{
		Query: "data analyst / statistics",
		Recommendations: []recommend.RankedRecommendation{
			{CourseID: "do_1", Rank: 1, Similarity: 0.91, Explanation: "統計の基礎", Metadata: recommend.CourseMetadata{Title: "Statistics 101", Provider: "iGOT"}},
			{CourseID: "do_2", Rank: 2, Similarity: 0.8, Metadata: recommend.CourseMetadata{Title: "Excel for Analysts"}},
		},
		Degraded: true,
	}

	var buf bytes.Buffer
	renderRecommendations(&buf, resp)
	out := buf.String()

	assert.Contains(t, out, "data analyst / statistics")
	assert.Contains(t, out, "類似度順")
	assert.Contains(t, out, "Statistics 101")
	assert.Contains(t, out, "0.910")
	assert.Contains(t, out, "do_2")
}

func TestRenderRecommendationsEmpty(t *testing.T) {
	var buf bytes.Buffer
	renderRecommendations(&buf, &recommend.Response{Query: "welder"})

	assert.Contains(t, buf.String(), "見つかりませんでした")
}

func TestRenderRecommendationsWithPublicCourses(t *testing.T) {
	resp := &recommend.Response{
		Query: "section officer",
		PublicCourses: []recommend.PublicCourse{
			{Title: "Public Policy Analysis", Platform: "Coursera", Relevancy: 85, Link: "https://www.coursera.org/learn/public-policy", IsPublic: true},
		},
	}

	var buf bytes.Buffer
	renderRecommendations(&buf, resp)
	out := buf.String()

	// カタログに該当がなくても公開コースは表示する
	assert.Contains(t, out, "見つかりませんでした")
	assert.Contains(t, out, "公開プラットフォームのコース")
	assert.Contains(t, out, "Public Policy Analysis")
	assert.Contains(t, out, "https://www.coursera.org/learn/public-policy")
}

func TestRenderRecordWithPublicCourses(t *testing.T) {
	rec := &recommend.Record{
		ID:            uuid.New(),
		Status:        recommend.StatusCompleted,
		Courses:       []recommend.RankedRecommendation{{CourseID: "do_1", Rank: 1, Metadata: recommend.CourseMetadata{Title: "Noting 101"}}},
		PublicCourses: []recommend.PublicCourse{{Title: "Public Policy Analysis", Platform: "Coursera", Link: "https://www.coursera.org/learn/public-policy"}},
		UpdatedAt:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	var buf bytes.Buffer
	renderRecord(&buf, rec)
	out := buf.String()

	assert.Contains(t, out, "Noting 101")
	assert.Contains(t, out, "公開プラットフォームのコース")
	assert.Contains(t, out, "Public Policy Analysis")
}

func TestRenderRecordFailed(t *testing.T) {
	rec := &recommend.Record{
		ID:           uuid.New(),
		Status:       recommend.StatusFailed,
		ErrorMessage: "embedding unavailable",
		UpdatedAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	var buf bytes.Buffer
	renderRecord(&buf, rec)

	assert.Contains(t, buf.String(), "FAILED")
	assert.Contains(t, buf.String(), "embedding unavailable")
	assert.Contains(t, buf.String(), "2025-01-02 03:04:05")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("  abc ", 5))
	assert.Equal(t, "あいう…", truncate("あいうえお", 3))
}

func TestDescribeRecommendError(t *testing.T) {
	invalid := describeRecommendError(fmt.Errorf("%w: topK", recommend.ErrInvalidInput))
	assert.ErrorIs(t, invalid, recommend.ErrInvalidInput)
	assert.Contains(t, invalid.Error(), "入力が不正です")

	retryable := describeRecommendError(recommend.ErrTimeout)
	assert.ErrorIs(t, retryable, recommend.ErrTimeout)
	assert.Contains(t, retryable.Error(), "再実行")

	other := describeRecommendError(errors.New("boom"))
	assert.Contains(t, other.Error(), "推薦に失敗")
}

func TestFormatIndexResult(t *testing.T) {
	got := formatIndexResult(catalog.IndexResult{Scanned: 10, Indexed: 7, Skipped: 3})
	assert.Equal(t, "✓ 索引完了: 走査 10 件 / 索引 7 件 / スキップ 3 件", got)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "cbp_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(newMetricsHandler(reg))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(res.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "cbp_test_total 1")

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestResolveTopK(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want int
	}{
		{"default when omitted", []string{"cbp"}, 10},
		{"explicit value", []string{"cbp", "--top-k", "25"}, 25},
		{"explicit zero is kept", []string{"cbp", "--top-k", "0"}, 0},
		{"explicit negative is kept", []string{"cbp", "--top-k", "-1"}, -1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got int
			cmd := &cli.Command{
				Name:  "cbp",
				Flags: []cli.Flag{&cli.IntFlag{Name: "top-k"}},
				Action: func(_ context.Context, cmd *cli.Command) error {
					got = resolveTopK(cmd, 10)
					return nil
				},
			}
			require.NoError(t, cmd.Run(context.Background(), tc.args))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBuildRequestWithExplicitZeroTopKIsInvalid(t *testing.T) {
	var req recommend.Request
	cmd := &cli.Command{
		Name:  "cbp",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "role"},
			&cli.StringFlag{Name: "competency"},
			&cli.StringFlag{Name: "org"},
			&cli.IntFlag{Name: "top-k"},
			&cli.StringFlag{Name: "provider"},
			&cli.StringFlag{Name: "language"},
			&cli.BoolFlag{Name: "no-rerank"},
			&cli.BoolFlag{Name: "public-courses"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			req = buildRequest(cmd, resolveTopK(cmd, 10))
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), []string{"cbp", "--role", "Section Officer", "--top-k", "0"}))

	assert.Equal(t, 0, req.TopK)
	assert.ErrorIs(t, recommend.ValidateTopK(req.TopK, 100), recommend.ErrInvalidInput)
}

func TestBuildRequestPublicCoursesFlag(t *testing.T) {
	var req recommend.Request
	cmd := &cli.Command{
		Name: "cbp",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "role"},
			&cli.StringFlag{Name: "competency"},
			&cli.StringFlag{Name: "org"},
			&cli.IntFlag{Name: "top-k"},
			&cli.StringFlag{Name: "provider"},
			&cli.StringFlag{Name: "language"},
			&cli.BoolFlag{Name: "no-rerank"},
			&cli.BoolFlag{Name: "public-courses"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			req = buildRequest(cmd, resolveTopK(cmd, 10))
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), []string{"cbp", "--role", "Section Officer", "--public-courses"}))

	assert.True(t, req.IncludePublic)
	assert.Equal(t, 10, req.TopK)
}
