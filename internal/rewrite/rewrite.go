// Package rewrite implements the request-body rewriter: it injects a
// configured model override and default sampling parameters into an
// Anthropic Messages API request body, touching only the fields it
// owns.
//
// It uses gjson/sjson instead of a full json.Unmarshal/Marshal round
// trip. That's a deliberate choice, not just a style preference:
// fields the rewriter doesn't own must pass through untouched (extra
// fields, unexpected types, whatever the client sent), and
// reserialization must never reorder or drop anything it didn't
// modify. A typed struct would have to grow a field for everything an
// Anthropic request might carry or risk dropping it on re-marshal; a
// generic map[string]any would round-trip numbers through float64 and
// normalize formatting. Patching the raw bytes in place via gjson/sjson
// sidesteps both problems.
package rewrite

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// unknownModel is substituted for the original-model observability
// field when the body can't be parsed at all.
const unknownModel = "unknown"

// Defaults holds the sampling parameters to fill in when the client's
// request body omits them (or sets them to JSON null). A nil pointer
// means "no configured default for this field" — leave it absent.
type Defaults struct {
	MaxTokens   *int64
	Temperature *float64
	TopP        *float64
}

// Result is the outcome of a rewrite: the (possibly) rewritten bytes
// and the model name the client originally asked for, retained for
// observability even after an override replaces it in the body.
type Result struct {
	Body          []byte
	OriginalModel string
}

// Rewrite applies the model override and default sampling parameters
// to body. It is best-effort: a body that doesn't parse as a JSON
// object is returned unchanged with OriginalModel set to "unknown" —
// rewriting must never reject a request.
//
// Rewrite is idempotent: calling it again on its own output, with the
// same override and defaults, returns byte-identical output, because
// every field it would set is already present after the first pass.
func Rewrite(body []byte, modelOverride string, defaults Defaults) Result {
	if !gjson.ValidBytes(body) {
		return Result{Body: body, OriginalModel: unknownModel}
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return Result{Body: body, OriginalModel: unknownModel}
	}

	originalModel := unknownModel
	if m := parsed.Get("model"); m.Exists() && m.Type == gjson.String {
		originalModel = m.String()
	}

	out := body

	if modelOverride != "" {
		if rewritten, err := sjson.SetBytes(out, "model", modelOverride); err == nil {
			out = rewritten
		}
	}

	if defaults.MaxTokens != nil {
		out = setDefaultInt(out, "max_tokens", *defaults.MaxTokens)
	}
	if defaults.Temperature != nil {
		out = setDefaultFloat(out, "temperature", *defaults.Temperature)
	}
	if defaults.TopP != nil {
		out = setDefaultFloat(out, "top_p", *defaults.TopP)
	}

	return Result{Body: out, OriginalModel: originalModel}
}

// absentOrNull reports whether path is missing from body or explicitly
// JSON null — the two cases that receive the default.
func absentOrNull(body []byte, path string) bool {
	r := gjson.GetBytes(body, path)
	return !r.Exists() || r.Type == gjson.Null
}

func setDefaultInt(body []byte, path string, value int64) []byte {
	if !absentOrNull(body, path) {
		return body
	}
	if rewritten, err := sjson.SetBytes(body, path, value); err == nil {
		return rewritten
	}
	return body
}

func setDefaultFloat(body []byte, path string, value float64) []byte {
	if !absentOrNull(body, path) {
		return body
	}
	if rewritten, err := sjson.SetBytes(body, path, value); err == nil {
		return rewritten
	}
	return body
}
