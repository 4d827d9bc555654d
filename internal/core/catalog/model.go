package catalog

import (
	"strings"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// Course はナレッジベースのコース1件と、その索引状態を表す
type Course struct {
	ID           string
	Title        string
	Description  string
	Provider     string
	Language     string
	Competencies []recommend.Competency

	// IndexedHash は現在保存されている Embedding の元テキストのハッシュ（未索引なら空）
	IndexedHash string

	// IndexedModel は現在保存されている Embedding のモデル名
	IndexedModel string
}

// CourseVector は保存する Embedding 1件
type CourseVector struct {
	CourseID string
	Vector   []float32
	TextHash string
	Model    string

	// 検索前フィルタに使う属性
	Provider string
	Language string
	Title    string
}

// IndexResult は索引処理の集計
type IndexResult struct {
	Scanned int
	Indexed int
	Skipped int
}

// EmbeddingText はコースの Embedding 元テキストを組み立てる
func EmbeddingText(c Course) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(c.Title))
	if d := strings.TrimSpace(c.Description); d != "" {
		sb.WriteString("\n")
		sb.WriteString(d)
	}
	if len(c.Competencies) > 0 {
		sb.WriteString("\nCompetencies:")
		for _, comp := range c.Competencies {
			parts := make([]string, 0, 3)
			for _, p := range []string{comp.Area, comp.Theme, comp.SubTheme} {
				if p = strings.TrimSpace(p); p != "" {
					parts = append(parts, p)
				}
			}
			if len(parts) == 0 {
				continue
			}
			sb.WriteString("\n- ")
			sb.WriteString(strings.Join(parts, " / "))
		}
	}
	return sb.String()
}

// needsIndexing は Embedding が未作成または古いかを判定する
func needsIndexing(c Course, textHash, model string) bool {
	return c.IndexedHash != textHash || c.IndexedModel != model
}
