package handlers

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/schema"
)

func TestIDNew(t *testing.T) {
	h := handlerByName(t, CryptoHandlers(), "id.new")

	out, err := h.Execute(context.Background(), Request{})
	require.NoError(t, err)
	id := out.(map[string]any)["id"].(string)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)

	out, err = h.Execute(context.Background(), Request{
		Params: map[string]any{"prefix": "pay"},
	})
	require.NoError(t, err)
	prefixed := out.(map[string]any)["id"].(string)
	require.True(t, strings.HasPrefix(prefixed, "pay-"))
	_, err = uuid.Parse(strings.TrimPrefix(prefixed, "pay-"))
	assert.NoError(t, err)
}

func TestDataHash(t *testing.T) {
	h := handlerByName(t, CryptoHandlers(), "data.hash")

	require.Error(t, h.Validate(map[string]any{}))
	require.NoError(t, h.Validate(map[string]any{"data": "x"}))

	out, err := h.Execute(context.Background(), Request{
		Params: map[string]any{"data": "hello"},
	})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "sha256", result["algorithm"])
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", result["hash"])

	out, err = h.Execute(context.Background(), Request{
		Params: map[string]any{"data": "hello", "algorithm": "sha512"},
	})
	require.NoError(t, err)
	result = out.(map[string]any)
	assert.Equal(t, "sha512", result["algorithm"])
	assert.Len(t, result["hash"], 128)
}

func TestDataHash_UnsupportedAlgorithm(t *testing.T) {
	h := handlerByName(t, CryptoHandlers(), "data.hash")

	_, err := h.Execute(context.Background(), Request{
		Params: map[string]any{"data": "x", "algorithm": "md5"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
