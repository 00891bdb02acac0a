package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// varPattern matches {{var}} template references. Variable names are plain
// identifiers with optional dotted paths ("source.message.text").
var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_-]+)*)\s*\}\}`)

// sourceScope and directInputScope are the variable name prefixes that select
// the predecessor-output and caller-input scopes. Anything else resolves
// against the run state's session metadata.
const (
	sourceScope      = "source"
	directInputScope = "direct_input"
)

// ResolveConfigVars replaces every {{var}} reference inside a node's raw JSON
// configuration and returns the resolved config plus the replacements made.
//
// Resolution order per variable: the "source" prefix reads the immediate
// predecessor's output, "direct_input" reads the caller-supplied input map,
// anything else (and any miss in the first two scopes) falls back to the run
// state. The config is serialized to JSON, substituted positionally so values
// embedded in strings are escaped while whole-value references keep their
// type, then parsed back. Substitution is fail-soft: if the substituted text
// no longer parses, the original config is returned unmodified.
func ResolveConfigVars(
	config map[string]any,
	state *State,
	sourceOutput any,
	directInput map[string]any,
	logger *zap.Logger,
) (map[string]any, map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	replacements := make(map[string]any)
	if len(config) == 0 {
		return config, replacements
	}

	raw, err := json.Marshal(config)
	if err != nil {
		logger.Warn("config not serializable, skipping variable resolution", zap.Error(err))
		return config, replacements
	}
	text := string(raw)

	matches := varPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return config, replacements
	}

	resolved := make(map[string]any, len(matches))
	for _, m := range matches {
		name := text[m[2]:m[3]]
		if _, done := resolved[name]; done {
			continue
		}
		value := resolveVariable(name, state, sourceOutput, directInput)
		resolved[name] = value
		replacements[name] = value
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		name := text[m[2]:m[3]]
		value := resolved[name]

		// Inside a JSON document a template token always sits within a string
		// literal; quote parity over the preceding original text confirms it.
		// Every substitution keeps parity balanced, so counting on the
		// original buffer stays valid across replacements.
		inString := quoteParityOdd(text[:start])

		// A token that spans an entire string literal ("{{x}}") adopts the
		// resolved value's type: the surrounding quotes are dropped and the
		// raw JSON encoding spliced in their place.
		wholeValue := inString &&
			start > 0 && text[start-1] == '"' &&
			end < len(text) && text[end] == '"'

		if wholeValue && !isStringValue(value) {
			b.WriteString(text[last : start-1])
			b.WriteString(encodeRaw(value, logger))
			last = end + 1
			continue
		}

		b.WriteString(text[last:start])
		b.WriteString(encodeForString(value, inString, logger))
		last = end
	}
	b.WriteString(text[last:])

	var out map[string]any
	if err := json.Unmarshal([]byte(b.String()), &out); err != nil {
		logger.Warn("substituted config is not valid JSON, keeping original",
			zap.Error(err),
			zap.Int("replacements", len(replacements)),
		)
		return config, replacements
	}
	return out, replacements
}

// resolveVariable resolves one variable name against the three scopes.
func resolveVariable(name string, state *State, sourceOutput any, directInput map[string]any) any {
	stateValue := func() any {
		if state == nil {
			return nil
		}
		return state.Value(name)
	}

	switch {
	case name == sourceScope:
		if sourceOutput != nil {
			return sourceOutput
		}
		return stateValue()
	case strings.HasPrefix(name, sourceScope+"."):
		if v := nestedValue(sourceOutput, strings.TrimPrefix(name, sourceScope+".")); v != nil {
			return v
		}
		return stateValue()
	case name == directInputScope:
		if directInput != nil {
			return directInput
		}
		return stateValue()
	case strings.HasPrefix(name, directInputScope+"."):
		if v := nestedValue(directInput, strings.TrimPrefix(name, directInputScope+".")); v != nil {
			return v
		}
		return stateValue()
	default:
		return stateValue()
	}
}

// isStringValue reports whether the resolved value substitutes as text.
func isStringValue(v any) bool {
	_, ok := v.(string)
	return ok
}

// encodeRaw renders a value as raw JSON for splicing into object or array
// context. Encoding failures fall back to a quoted string representation so
// the surrounding document stays parseable.
func encodeRaw(value any, logger *zap.Logger) string {
	if value == nil {
		return "null"
	}
	enc, err := json.Marshal(value)
	if err != nil {
		logger.Warn("value not JSON-encodable, using string form", zap.Error(err))
		enc, _ = json.Marshal(fmt.Sprint(value))
	}
	return string(enc)
}

// encodeForString renders a value for insertion inside a JSON string literal:
// string values contribute their escaped content, everything else contributes
// its JSON encoding with embedded quotes escaped.
func encodeForString(value any, inString bool, logger *zap.Logger) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		enc, err := json.Marshal(s)
		if err != nil {
			return ""
		}
		if inString {
			return string(enc[1 : len(enc)-1])
		}
		return string(enc)
	}

	raw := encodeRaw(value, logger)
	if !inString {
		return raw
	}
	// Escape the encoding itself so the object can live inside the string.
	enc, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(enc[1 : len(enc)-1])
}

// quoteParityOdd reports whether the text ends inside a JSON string literal,
// i.e. contains an odd number of unescaped double quotes.
func quoteParityOdd(text string) bool {
	odd := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			odd = !odd
		}
	}
	return odd
}
