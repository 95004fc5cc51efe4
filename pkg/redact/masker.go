// Package redact applies secret redaction to tool results, audit event data,
// and observation payloads before they are logged or persisted.
package redact

// Masker is the interface for structure-aware maskers that need more than
// plain regex matching — e.g. walking a parsed JSON/map value and masking
// only fields whose key name looks sensitive.
type Masker interface {
	// Name returns the unique identifier for this masker.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker should
	// process the data. Should be fast — no parsing.
	AppliesTo(data string) bool

	// Mask applies masking logic and returns the masked result. Must be
	// defensive: return the original data on parse/processing errors.
	Mask(data string) string
}
