package handlers

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"
	"github.com/loomrun/loom/pkg/schema"
)

// CryptoHandlers returns the id and fingerprint handlers. Workflows use them
// to mint correlation tokens for callback steps and to fingerprint payloads
// for idempotency keys.
func CryptoHandlers() []Handler {
	return []Handler{
		&idNewHandler{},
		&hashHandler{},
	}
}

// --- id.new ---

type idNewHandler struct{}

func (h *idNewHandler) Name() string { return "id.new" }

func (h *idNewHandler) Info() Info {
	return Info{Name: "id.new", Description: "Generate a v4 UUID, optionally prefixed."}
}

func (h *idNewHandler) Validate(_ map[string]any) error { return nil }

func (h *idNewHandler) Execute(_ context.Context, req Request) (any, error) {
	id := uuid.NewString()
	if prefix := stringParam(req.Params, "prefix", ""); prefix != "" {
		id = prefix + "-" + id
	}
	return map[string]any{"id": id}, nil
}

// --- data.hash ---

type hashHandler struct{}

func (h *hashHandler) Name() string { return "data.hash" }

func (h *hashHandler) Info() Info {
	return Info{Name: "data.hash", Description: "Compute a hex-encoded hash of a string value."}
}

func (h *hashHandler) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "data.hash requires 'data' string parameter")
	}
	return nil
}

func (h *hashHandler) Execute(_ context.Context, req Request) (any, error) {
	data, _ := req.Params["data"].(string)
	algorithm := stringParam(req.Params, "algorithm", "sha256")

	var hasher hash.Hash
	switch algorithm {
	case "sha256":
		hasher = sha256.New()
	case "sha512":
		hasher = sha512.New()
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}

	hasher.Write([]byte(data))
	return map[string]any{
		"hash":      hex.EncodeToString(hasher.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}
