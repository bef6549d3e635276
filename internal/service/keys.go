package service

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateAPIKey produces the local client key in the form sk-<uuid-hex>
func GenerateAPIKey() string {
	u := uuid.New()
	return "sk-" + hex.EncodeToString(u[:])
}
