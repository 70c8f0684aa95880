// Package translate contains the translation side of the gateway: the
// Translator abstraction over the remote engine, the HTTP client for it, the
// content fingerprint used as the shared cache key, and the dispatch
// coordinator that turns one persisted message plus a resolved language set
// into per-language completion events.
package translate

import "context"

// Result is one completed translation returned by the engine.
type Result struct {
	TargetLanguage string
	Text           string
	Confidence     float64
	ModelTier      string
}

// Translator is the interface to a machine-translation backend. The engine
// is a black box; implementations only speak its wire protocol. Language
// codes are normalized base codes (e.g. "en", "fr").
type Translator interface {
	// Translate translates text from source into one target language.
	Translate(ctx context.Context, text, source, target string) (*Result, error)

	// TranslateBatch translates text from one source into several targets in
	// a single round trip. Implementations may fall back to sequential
	// single-target calls.
	TranslateBatch(ctx context.Context, text, source string, targets []string) ([]Result, error)

	// Healthy verifies that the backend is ready.
	Healthy(ctx context.Context) error
}
