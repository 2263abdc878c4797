package streaming

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/pkg/errors"
)

func TestParseSSELine_DataPayload(t *testing.T) {
	line := []byte(`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"hi"}}]}`)

	chunk, err := ParseSSELine("openai", line)
	require.NoError(t, err)
	require.NotNil(t, chunk)
	require.Equal(t, "c1", chunk.ID)
	require.Len(t, chunk.Choices, 1)
	require.Equal(t, "hi", chunk.Choices[0].Delta.Content)
}

func TestParseSSELine_NoSpaceAfterColon(t *testing.T) {
	chunk, err := ParseSSELine("openai", []byte(`data:{"id":"c1"}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	require.Equal(t, "c1", chunk.ID)
}

func TestParseSSELine_Skipped(t *testing.T) {
	for _, line := range []string{
		"",
		"   ",
		": keep-alive",
		"event: ping",
		"id: 7",
		"retry: 1000",
		"data: [DONE]",
		"data:",
	} {
		chunk, err := ParseSSELine("openai", []byte(line))
		require.NoError(t, err, "line %q", line)
		require.Nil(t, chunk, "line %q", line)
	}
}

func TestParseSSELine_MalformedData(t *testing.T) {
	chunk, err := ParseSSELine("openai", []byte(`data: {not json`))
	require.Nil(t, chunk)
	require.Error(t, err)
	require.True(t, errors.IsType(err, errors.TypeStream))
	require.Contains(t, err.Error(), "{not json")
}

func TestIsDone(t *testing.T) {
	require.True(t, IsDone([]byte("data: [DONE]")))
	require.True(t, IsDone([]byte("data:[DONE]")))
	require.True(t, IsDone([]byte("[DONE]")))
	require.False(t, IsDone([]byte(`data: {"id":"c1"}`)))
	require.False(t, IsDone([]byte("")))
}
