package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// ErrInvalidEntry はカタログの取り込みデータが不正であることを表す
var ErrInvalidEntry = errors.New("invalid catalog entry")

// Entry はナレッジベースから取り込むコース1件
type Entry struct {
	Identifier string `json:"identifier"`
	recommend.CourseMetadata
}

// Writer はコースメタデータを保存する
type Writer interface {
	// UpsertCourses は同じIDのコースを置き換える
	UpsertCourses(ctx context.Context, entries []Entry) error
}

// ReadEntries は JSON 配列のカタログを読み込み検証する
// 同じIDが複数回現れた場合は後のものを採用する
func ReadEntries(r io.Reader) ([]Entry, error) {
	var raw []Entry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	index := make(map[string]int, len(raw))
	entries := make([]Entry, 0, len(raw))
	for i, e := range raw {
		e.Identifier = strings.TrimSpace(e.Identifier)
		e.Title = strings.TrimSpace(e.Title)
		if e.Identifier == "" {
			return nil, fmt.Errorf("%w: entry %d has no identifier", ErrInvalidEntry, i)
		}
		if e.Title == "" {
			return nil, fmt.Errorf("%w: course %s has no title", ErrInvalidEntry, e.Identifier)
		}

		if j, ok := index[e.Identifier]; ok {
			entries[j] = e
			continue
		}
		index[e.Identifier] = len(entries)
		entries = append(entries, e)
	}

	return entries, nil
}
