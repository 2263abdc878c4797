// Package route parses compact model identifiers of the form
// "provider/model" or "provider/model/variant" into routing coordinates.
package route

import (
	"strings"

	"github.com/blueberrycongee/llmrelay/pkg/errors"
)

// Route identifies where a request goes and what model it asks for.
// Immutable once parsed.
type Route struct {
	// Provider name, e.g. "openai" or "groq".
	Provider string

	// Model name, e.g. "gpt-4" or "llama-3.1-70b".
	Model string

	// Variant is an optional deployment qualifier (e.g. Azure deployments).
	Variant string
}

// Parse splits a model string into a Route. Exactly two or three non-empty
// segments are accepted; anything else is a configuration error.
func Parse(model string) (Route, error) {
	parts := strings.Split(model, "/")
	for _, p := range parts {
		if p == "" {
			return Route{}, invalidFormat(model)
		}
	}

	switch len(parts) {
	case 2:
		return Route{Provider: parts[0], Model: parts[1]}, nil
	case 3:
		return Route{Provider: parts[0], Model: parts[1], Variant: parts[2]}, nil
	default:
		return Route{}, invalidFormat(model)
	}
}

func invalidFormat(model string) error {
	return errors.NewConfigError(
		"invalid model format %q; expected 'provider/model' or 'provider/model/variant'", model)
}

// ModelID returns the identifier sent to the provider: the model name alone,
// or "model/variant" when a variant is present. This is distinct from the
// routing key used to pick the provider.
func (r Route) ModelID() string {
	if r.Variant != "" {
		return r.Model + "/" + r.Variant
	}
	return r.Model
}

// String renders the full route, including the provider.
func (r Route) String() string {
	if r.Variant != "" {
		return r.Provider + "/" + r.Model + "/" + r.Variant
	}
	return r.Provider + "/" + r.Model
}
