// Package parser turns raw model output into block fields.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/router-for-me/PageBlocks/internal/blocks"
	"github.com/router-for-me/PageBlocks/internal/llm"
)

// Fields are the structured values produced for one block.
type Fields map[string]any

var (
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(\\{.*\\})\\s*```")
	bareObjectPattern   = regexp.MustCompile(`(?s)\{.*\}`)
	fencePattern        = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*\\s*\\n?(.*?)\\s*```\\s*$")
)

// Parse decodes raw output for blockType. Any failure is an *llm.InvalidResponseError
// whose ResponseBody is the untouched raw text.
func Parse(blockType, raw string) (Fields, error) {
	def, ok := blocks.Lookup(blockType)
	if !ok {
		return nil, fmt.Errorf("parser: unknown block type %q", blockType)
	}
	if def.Shape == blocks.ShapeText {
		return parseText(def, raw)
	}
	return parseObject(def, raw)
}

func parseText(def blocks.Definition, raw string) (Fields, error) {
	text := StripFences(raw)
	text = strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"`))
	if text == "" {
		return nil, llm.NewInvalidResponseError(fmt.Sprintf("empty %s output", def.ID), raw, nil)
	}
	return Fields{def.TextKey: text}, nil
}

func parseObject(def blocks.Definition, raw string) (Fields, error) {
	candidate := extractObject(raw)
	if candidate == "" {
		return nil, llm.NewInvalidResponseError(fmt.Sprintf("no JSON object in %s output", def.ID), raw, nil)
	}

	var fields Fields
	if errDecode := json.Unmarshal([]byte(candidate), &fields); errDecode != nil {
		cleaned := stripTrailingCommas(candidate)
		if cleaned == candidate {
			return nil, llm.NewInvalidResponseError(fmt.Sprintf("decode %s output", def.ID), raw, errDecode)
		}
		fields = nil
		if errRetry := json.Unmarshal([]byte(cleaned), &fields); errRetry != nil {
			return nil, llm.NewInvalidResponseError(fmt.Sprintf("decode %s output", def.ID), raw, errRetry)
		}
	}

	var missing []string
	for _, key := range def.RequiredKeys {
		if isBlank(fields[key]) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, llm.NewInvalidResponseError(
			fmt.Sprintf("%s output missing required keys: %s", def.ID, strings.Join(missing, ", ")), raw, nil)
	}
	return fields, nil
}

func extractObject(raw string) string {
	if m := fencedObjectPattern.FindStringSubmatch(raw); len(m) > 1 {
		return m[1]
	}
	return bareObjectPattern.FindString(raw)
}

// stripTrailingCommas drops commas that directly precede a closing brace or
// bracket. String literals are copied verbatim.
func stripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case ',':
			j := i + 1
			for j < len(text) && strings.IndexByte(" \t\r\n", text[j]) >= 0 {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// StripFences removes a surrounding Markdown code fence, if any.
func StripFences(raw string) string {
	if m := fencePattern.FindStringSubmatch(raw); len(m) > 1 {
		return m[1]
	}
	return raw
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
