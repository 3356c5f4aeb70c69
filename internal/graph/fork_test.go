package graph

import (
	"testing"

	"bot_engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForkRemapsEveryID(t *testing.T) {
	src := buildStrategy()

	fork, err := Fork(src, "user-2")
	require.NoError(t, err)

	assert.NotEqual(t, src.ID, fork.ID)
	assert.Equal(t, "user-2", fork.UserID)
	assert.Equal(t, 1, fork.Version)
	assert.False(t, fork.Active)
	assert.Len(t, fork.Elements, len(src.Elements))

	// ни один старый id не должен выжить
	for id := range fork.Elements {
		_, clash := src.Elements[id]
		assert.False(t, clash, "id %s не перевыпущен", id)
	}
	_, ok := src.Elements[fork.RootElementID]
	assert.False(t, ok)

	// ссылки переписаны согласованно: форк остаётся валидным
	rep := Validate(fork)
	assert.True(t, rep.IsValid)
}

func TestForkIsDeepCopy(t *testing.T) {
	src := buildStrategy()
	fork, err := Fork(src, "user-2")
	require.NoError(t, err)

	for _, el := range fork.Elements {
		if el.Type == models.ElementTrigger {
			el.Trigger.Threshold = 9999
		}
	}
	assert.Equal(t, 100.0, src.Elements["trig"].Trigger.Threshold, "мутация форка не должна трогать оригинал")
}

func TestExportImportRoundTrip(t *testing.T) {
	src := buildStrategy()

	raw, err := Export(src)
	require.NoError(t, err)

	imported, rep, err := Import(raw, "user-3")
	require.NoError(t, err)
	require.True(t, rep.IsValid)
	assert.Equal(t, "user-3", imported.UserID)
	assert.Len(t, imported.Elements, len(src.Elements))
}

func TestImportGarbage(t *testing.T) {
	_, _, err := Import([]byte("{not json"), "user-3")
	require.Error(t, err)
}
