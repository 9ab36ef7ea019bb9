package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ExecutionTemplate is a deterministic exit policy, deduplicated by the
// SHA-256 hash of its normalized code. Two templates with identical code
// bytes share one row and one ID.
type ExecutionTemplate struct {
	ID           string // hex-encoded SHA-256 of normalized code
	CodeHash     string
	TemplateName string
	Code         string
}

// NormalizeCode trims surrounding whitespace and collapses line endings so
// that cosmetic differences (trailing newline, CRLF vs LF) never produce a
// different content hash for otherwise-identical execution code.
func NormalizeCode(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	return strings.TrimSpace(code)
}

// HashCode returns the hex-encoded SHA-256 digest of normalized code. This
// is used both as ExecutionTemplate.ID and as the dedup key: identical code
// bytes always produce the same ID, so re-submitting the same template is
// idempotent even across retries.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeCode(code)))
	return hex.EncodeToString(sum[:])
}

// NewExecutionTemplate builds a content-addressed template from source code.
func NewExecutionTemplate(name, code string) ExecutionTemplate {
	hash := HashCode(code)
	return ExecutionTemplate{
		ID:           hash,
		CodeHash:     hash,
		TemplateName: name,
		Code:         NormalizeCode(code),
	}
}
