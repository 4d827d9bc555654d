package rerank

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryWriter_WriteQuery(t *testing.T) {
	client := &stubClient{content: "```\n\"Section officer  handling\n file movement and noting\"\n```"}
	writer := NewQueryWriter(client, WithQueryModel("gpt-4o-mini"), WithQueryLogger(discardLogger()))

	query, err := writer.WriteQuery(context.Background(), "section officer / noting and drafting")
	require.NoError(t, err)

	// コードフェンスと引用符を外し、空白を1つにまとめる
	assert.Equal(t, "Section officer handling file movement and noting", query)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, QuerySystemPrompt, req.SystemPrompt)
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Empty(t, req.ResponseFormat)
	assert.True(t, strings.HasSuffix(req.Prompt, "section officer / noting and drafting"))
}

func TestQueryWriter_WriteQueryTruncatesLongOutput(t *testing.T) {
	client := &stubClient{content: strings.Repeat("a", maxQueryRunes+50)}
	writer := NewQueryWriter(client, WithQueryLogger(discardLogger()))

	query, err := writer.WriteQuery(context.Background(), "role")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", maxQueryRunes)+"...", query)
}

func TestQueryWriter_WriteQueryErrors(t *testing.T) {
	t.Run("client failure", func(t *testing.T) {
		upstream := errors.New("429 too many requests")
		writer := NewQueryWriter(&stubClient{err: upstream}, WithQueryLogger(discardLogger()))

		_, err := writer.WriteQuery(context.Background(), "role")
		assert.ErrorIs(t, err, upstream)
	})

	t.Run("empty output", func(t *testing.T) {
		writer := NewQueryWriter(&stubClient{content: "  \"\"  "}, WithQueryLogger(discardLogger()))

		_, err := writer.WriteQuery(context.Background(), "role")
		assert.ErrorIs(t, err, ErrEmptyQuery)
	})
}
