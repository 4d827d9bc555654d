package rerank

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// PromptVersion はプロンプトのバージョン (トレーサビリティ用)
const PromptVersion = "course-rerank-v1"

// maxDescriptionRunes はプロンプトに含めるコース説明の最大文字数
const maxDescriptionRunes = 400

// SystemPrompt は再ランキングのシステムメッセージ
const SystemPrompt = `You are an expert in analyzing professional development needs and recommending relevant training.
Your task is to assess the relevancy of courses to a specific role and learning objective within a government administration context.
You are responsible for the competencies of civil servants.`

const instructions = `Analyze the following list of courses and provide a relevancy percentage for each, indicating how relevant it is to the role described below.
For each course, provide a 1-2 line rationale explaining the assigned relevancy.

## OUTPUT
Respond with a single JSON object of the form:
{"courses":[{"identifier":"<course identifier>","relevancy":<integer 0-100>,"rationale":"<1-2 sentences>"}]}
Use only identifiers from the INPUT list. Omit courses that are not relevant.

## SORT
Sort the courses in descending order of relevancy.
`

// promptCourse はプロンプトに埋め込むコース表現
type promptCourse struct {
	Identifier   string                 `json:"identifier"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description,omitempty"`
	Provider     string                 `json:"provider,omitempty"`
	Competencies []recommend.Competency `json:"competencies,omitempty"`
}

// BuildPrompt は正規化済みクエリと候補一覧から再ランキング用プロンプトを構築する
func BuildPrompt(query string, candidates []recommend.CourseCandidate) string {
	var sb strings.Builder
	sb.WriteString(promptHeader(query))
	for _, c := range candidates {
		sb.WriteString(candidateLine(c))
	}
	return sb.String()
}

func promptHeader(query string) string {
	return fmt.Sprintf("%s\n## ROLE\n%s\n\n## INPUT\n", instructions, query)
}

// candidateLine は候補1件を JSON 1行で表す
func candidateLine(c recommend.CourseCandidate) string {
	line, err := json.Marshal(promptCourse{
		Identifier:   c.CourseID,
		Title:        c.Metadata.Title,
		Description:  truncateRunes(c.Metadata.Description, maxDescriptionRunes),
		Provider:     c.Metadata.Provider,
		Competencies: c.Metadata.Competencies,
	})
	if err != nil {
		// 文字列とスライスのみなので失敗しない
		return fmt.Sprintf("{\"identifier\":%q}\n", c.CourseID)
	}
	return string(line) + "\n"
}

func truncateRunes(s string, limit int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "..."
}
