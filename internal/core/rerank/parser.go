package rerank

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// rankedCourse は生成モデルが返すコース1件
type rankedCourse struct {
	Identifier string    `json:"identifier"`
	Course     string    `json:"course,omitempty"`
	Relevancy  relevancy `json:"relevancy"`
	Rationale  string    `json:"rationale"`
}

// relevancy は数値・文字列・パーセント表記のいずれでも受け付ける 0..100 の整数
type relevancy int

func (r *relevancy) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*r = 0
		return nil
	}
	raw = strings.TrimSuffix(strings.Trim(raw, `"`), "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("relevancy %s is not a number", b)
	}
	*r = relevancy(min(max(int(math.Round(v)), 0), 100))
	return nil
}

type rankedEnvelope struct {
	Courses []rankedCourse `json:"courses"`
}

// ParseResponse は生成モデルの応答を候補集合に対応付ける
// 返す順序は応答内の並び順に従う
// 候補にない識別子・重複・空の結果はすべて recommend.ErrRerankParse とする
func ParseResponse(content string, candidates []recommend.CourseCandidate) ([]recommend.RankedRecommendation, error) {
	courses, err := decodeCourses(content)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		known[c.CourseID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(courses))
	ranked := make([]recommend.RankedRecommendation, 0, len(courses))
	for i, course := range courses {
		id := strings.TrimSpace(course.Identifier)
		if id == "" {
			return nil, fmt.Errorf("%w: entry %d has no identifier", recommend.ErrRerankParse, i)
		}
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("%w: unknown identifier %q", recommend.ErrRerankParse, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate identifier %q", recommend.ErrRerankParse, id)
		}
		seen[id] = struct{}{}

		ranked = append(ranked, recommend.RankedRecommendation{
			CourseID:    id,
			Explanation: strings.TrimSpace(course.Rationale),
			Relevancy:   int(course.Relevancy),
		})
	}

	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: no courses in response", recommend.ErrRerankParse)
	}

	// 順位はモデルが返した並び順をそのまま使う。関連度は表示用の値として保持する
	return ranked, nil
}

// decodeCourses はコードフェンスを取り除き、配列または {"courses":[...]} を読み取る
func decodeCourses(content string) ([]rankedCourse, error) {
	body := []byte(stripCodeFence(content))
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty response", recommend.ErrRerankParse)
	}

	switch body[0] {
	case '[':
		var courses []rankedCourse
		if err := json.Unmarshal(body, &courses); err != nil {
			return nil, fmt.Errorf("%w: %w", recommend.ErrRerankParse, err)
		}
		return courses, nil
	case '{':
		var envelope rankedEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %w", recommend.ErrRerankParse, err)
		}
		return envelope.Courses, nil
	default:
		return nil, fmt.Errorf("%w: response is not JSON", recommend.ErrRerankParse)
	}
}

func stripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
