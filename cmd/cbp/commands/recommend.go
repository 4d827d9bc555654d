package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// RecommendAction は役職とコンピテンシーからコースを推薦するコマンドのアクション
func RecommendAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	topK := resolveTopK(cmd, appCtx.Config.Recommend.DefaultTopK)

	req := buildRequest(cmd, topK)
	resp, err := appCtx.Container.Recommender.Recommend(ctx, req)
	if err != nil {
		return describeRecommendError(err)
	}

	if cmd.Bool("json") {
		return writeJSON(os.Stdout, resp)
	}
	renderRecommendations(os.Stdout, resp)
	return nil
}

// resolveTopK は --top-k が指定されていればその値を、なければ既定値を返す
// 明示された 0 や負の値はそのまま渡し、推薦側で不正な入力として扱う
func resolveTopK(cmd *cli.Command, defaultTopK int) int {
	if cmd.IsSet("top-k") {
		return cmd.Int("top-k")
	}
	return defaultTopK
}

// buildRequest はフラグから推薦リクエストを組み立てる
func buildRequest(cmd *cli.Command, topK int) recommend.Request {
	opts := []recommend.RequestOption{
		recommend.WithCompetency(cmd.String("competency")),
		recommend.WithOrganization(cmd.String("org")),
		recommend.WithTopK(topK),
		recommend.WithFilters(recommend.Filters{
			Provider: cmd.String("provider"),
			Language: cmd.String("language"),
		}),
	}
	if cmd.Bool("no-rerank") {
		opts = append(opts, recommend.WithoutRerank())
	}
	if cmd.Bool("public-courses") {
		opts = append(opts, recommend.WithPublicCourses())
	}
	return recommend.NewRequest(cmd.String("role"), opts...)
}

// describeRecommendError は利用者が次に取るべき行動が分かるようにエラーを包む
func describeRecommendError(err error) error {
	switch {
	case errors.Is(err, recommend.ErrInvalidInput):
		return fmt.Errorf("入力が不正です: %w", err)
	case recommend.IsRetryable(err):
		return fmt.Errorf("推薦サービスが一時的に利用できません。時間をおいて再実行してください: %w", err)
	default:
		return fmt.Errorf("推薦に失敗: %w", err)
	}
}

func renderRecommendations(w io.Writer, resp *recommend.Response) {
	fmt.Fprintf(w, "クエリ: %s\n", resp.Query)
	switch {
	case resp.CacheHit:
		fmt.Fprintln(w, "（キャッシュから応答）")
	case resp.Degraded:
		fmt.Fprintln(w, "（再ランキングに失敗したため類似度順で表示）")
	}

	if len(resp.Recommendations) == 0 {
		fmt.Fprintln(w, "該当するコースは見つかりませんでした")
	} else {
		renderCatalogCourses(w, resp.Recommendations)
	}

	renderPublicCourses(w, resp.PublicCourses)
}

// renderPublicCourses はカタログ外の公開コースを別の表として出力する
func renderPublicCourses(w io.Writer, courses []recommend.PublicCourse) {
	if len(courses) == 0 {
		return
	}
	fmt.Fprintln(w, "\n公開プラットフォームのコース:")
	table := tablewriter.NewWriter(w)
	table.Header("タイトル", "プラットフォーム", "関連度", "リンク")
	for _, c := range courses {
		table.Append(c.Title, c.Platform, fmt.Sprintf("%d", c.Relevancy), c.Link)
	}
	table.Render()
}

func renderCatalogCourses(w io.Writer, recs []recommend.RankedRecommendation) {
	table := tablewriter.NewWriter(w)
	table.Header("順位", "コースID", "タイトル", "提供元", "類似度", "理由")
	for _, r := range recs {
		table.Append(
			fmt.Sprintf("%d", r.Rank),
			r.CourseID,
			r.Metadata.Title,
			r.Metadata.Provider,
			fmt.Sprintf("%.3f", r.Similarity),
			truncate(r.Explanation, 80),
		)
	}
	table.Render()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("JSON出力に失敗: %w", err)
	}
	return nil
}
