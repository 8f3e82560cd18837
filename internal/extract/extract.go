// Package extract pulls usable payloads out of model output. Free-tier
// models wrap JSON in markdown fences, preamble chatter, or surrounding
// prose; extraction tries progressively looser strategies before the caller
// degrades to a raw-text fallback.
package extract

import (
	"errors"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/meetframe/orfree/pkg/types"
)

// ErrNoJSON means no JSON object could be located in the content.
var ErrNoJSON = errors.New("no JSON object in response")

// preamblePattern matches chatter some models emit before the payload, such
// as "Here's the JSON:" or "Answer:", plus a leading fence opener.
var preamblePattern = regexp.MustCompile(`(?i)^(?:(?:here'?s? (?:the |your )?(?:json|result|response)[.:]?\s*)|(?:answer:?\s*)|(?:` + "```" + `(?:json)?\s*))`)

var fencedPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// fullFencePattern matches content that is nothing but one fenced block.
var fullFencePattern = regexp.MustCompile("(?s)^```(?:\\w+)?\\s*(.*?)\\s*```$")

// JSON extracts a JSON object from model output. It tries, in order: a
// direct parse of the preamble-stripped content, the body of a fenced code
// block, and the first balanced {...} span inside surrounding prose.
func JSON(content string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimSpace(preamblePattern.ReplaceAllString(trimmed, ""))

	if raw, ok := parse(trimmed); ok {
		return raw, nil
	}

	if m := fencedPattern.FindStringSubmatch(trimmed); m != nil {
		if raw, ok := parse(strings.TrimSpace(m[1])); ok {
			return raw, nil
		}
	}

	start := strings.IndexByte(trimmed, '{')
	if start == -1 {
		return nil, ErrNoJSON
	}
	depth := 0
	for i := start; i < len(trimmed); i++ {
		switch trimmed[i] {
		case '{':
			depth++
		case '}':
			depth--
		}
		if depth == 0 {
			if raw, ok := parse(trimmed[start : i+1]); ok {
				return raw, nil
			}
			return nil, errors.New("malformed JSON object in response")
		}
	}
	return nil, errors.New("unterminated JSON object in response")
}

func parse(s string) (json.RawMessage, bool) {
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return json.RawMessage(s), true
}

// StripFences removes a markdown code fence wrapped around otherwise plain
// text. Freeform operations use this instead of JSON extraction.
func StripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if m := fullFencePattern.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// Questions coerces extracted JSON into the questions payload. It accepts a
// superset of the strict shape: any array under "questions" whose string
// members are taken in order, truncated or padded to exactly three. ok is
// false when no usable question strings are present.
func Questions(raw json.RawMessage) (payload *types.QuestionsPayload, ok bool) {
	if raw == nil {
		return nil, false
	}
	var loose struct {
		Questions []any `json:"questions"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, false
	}
	var strings3 [3]string
	n := 0
	for _, q := range loose.Questions {
		s, isStr := q.(string)
		if !isStr {
			continue
		}
		if n < len(strings3) {
			strings3[n] = s
		}
		n++
	}
	if n == 0 {
		return nil, false
	}
	return &types.QuestionsPayload{Questions: strings3}, true
}

// Overlay coerces extracted JSON into the overlay payload, truncating excess
// divergences to the expected maximum of three. ok is false when the shape
// carries no divergences at all.
func Overlay(raw json.RawMessage) (payload *types.OverlayPayload, ok bool) {
	if raw == nil {
		return nil, false
	}
	var p types.OverlayPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	if len(p.Divergences) == 0 {
		return nil, false
	}
	if len(p.Divergences) > 3 {
		p.Divergences = p.Divergences[:3]
	}
	return &p, true
}
