package chathistory

import (
	"testing"

	"gemini-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendUser_PrependsBasePromptOnlyOnFirstTurn(t *testing.T) {
	h := New("You are a helpful assistant.")

	h.AppendUser([]models.Part{{Text: "hello"}})
	snap := h.Snapshot()
	require.Len(t, snap, 1)
	require.Len(t, snap[0].Parts, 2)
	assert.Equal(t, "You are a helpful assistant.", snap[0].Parts[0].Text)
	assert.Equal(t, "hello", snap[0].Parts[1].Text)

	h.AppendUser([]models.Part{{Text: "second"}})
	snap = h.Snapshot()
	require.Len(t, snap, 2)
	require.Len(t, snap[1].Parts, 1)
	assert.Equal(t, "second", snap[1].Parts[0].Text)
}

func TestAppendUser_NoBasePromptWhenUnconfigured(t *testing.T) {
	h := New("")
	h.AppendUser([]models.Part{{Text: "hi"}})
	snap := h.Snapshot()
	require.Len(t, snap[0].Parts, 1)
}

func TestAppendModelIfLastIsUser_SkipsWhenLastIsModel(t *testing.T) {
	h := New("")
	h.AppendUser([]models.Part{{Text: "hi"}})
	require.True(t, h.AppendModelIfLastIsUser("reply one"))
	require.False(t, h.AppendModelIfLastIsUser("reply two"))

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "reply one", snap[1].Parts[0].Text)
}

func TestClear_EmptiesHistoryAndResetsBasePromptEligibility(t *testing.T) {
	h := New("prompt")
	h.AppendUser([]models.Part{{Text: "hi"}})
	h.Clear()
	require.Empty(t, h.Snapshot())

	h.AppendUser([]models.Part{{Text: "again"}})
	snap := h.Snapshot()
	require.Len(t, snap[0].Parts, 2)
}

func TestRender_UserTurnsConcatenateTextAndTruncateImages(t *testing.T) {
	turns := []models.Turn{
		{Role: "user", Parts: []models.Part{
			{Text: "describe this"},
			{InlineData: &models.InlineData{MimeType: "image/png", Data: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}},
		}},
		{Role: "model", Parts: []models.Part{{Text: "a cat"}}},
	}

	rendered := Render(turns)
	require.Len(t, rendered, 2)
	assert.Equal(t, "user", rendered[0].Who)
	assert.Contains(t, rendered[0].MD, "describe this")
	assert.Contains(t, rendered[0].MD, "data:image/png;base64,")
	assert.Equal(t, "bot", rendered[1].Who)
	assert.Equal(t, "a cat", rendered[1].MD)
}

func TestRender_MalformedModelTurnRendersPlaceholder(t *testing.T) {
	turns := []models.Turn{{Role: "model", Parts: nil}}
	rendered := Render(turns)
	require.Len(t, rendered, 1)
	assert.Equal(t, "[empty or malformed reply]", rendered[0].MD)
}

func TestLastIsUser(t *testing.T) {
	h := New("")
	assert.False(t, h.LastIsUser())
	h.AppendUser([]models.Part{{Text: "hi"}})
	assert.True(t, h.LastIsUser())
	h.AppendModelIfLastIsUser("reply")
	assert.False(t, h.LastIsUser())
}
