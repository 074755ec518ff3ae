package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"conductor-ai/internal/domain"
)

// Directive actions.
const (
	ActionSpawnAgent = "spawn_agent"
	ActionRespond    = "respond"
)

// Directive is a structured control instruction embedded in model output.
type Directive struct {
	Action  string `json:"action"`
	Agent   string `json:"agent,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseResult is the outcome of DirectiveParser.Parse. Text is what the caller
// should display; Directive is set only for a valid delegation.
type ParseResult struct {
	Text      string
	Directive *Directive
}

// directiveSchema is the tagged-variant schema every directive must satisfy.
const directiveSchema = `{
  "type": "object",
  "required": ["action"],
  "oneOf": [
    {
      "properties": {
        "action": {"const": "spawn_agent"},
        "agent":  {"type": "string", "minLength": 1},
        "prompt": {"type": "string", "minLength": 1},
        "reason": {"type": "string"}
      },
      "required": ["action", "agent", "prompt"]
    },
    {
      "properties": {
        "action":  {"const": "respond"},
        "message": {"type": "string"}
      },
      "required": ["action", "message"]
    }
  ]
}`

// DirectiveParser extracts directives from free-text model responses. It never
// fails: anything it cannot use is returned as plain text.
type DirectiveParser struct {
	roles  domain.RoleSet
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewDirectiveParser creates a parser that accepts delegation only to roles in roles.
func NewDirectiveParser(roles domain.RoleSet, logger *slog.Logger) (*DirectiveParser, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(directiveSchema))
	if err != nil {
		return nil, fmt.Errorf("compile directive schema: %w", err)
	}
	return &DirectiveParser{roles: roles, schema: schema, logger: logger}, nil
}

// Parse tries the whole text as JSON first, then any balanced {...} object
// embedded in it.
func (p *DirectiveParser) Parse(text string) ParseResult {
	plain := ParseResult{Text: text}

	obj, ok := strictObject(text)
	if !ok {
		obj, ok = embeddedObject(text)
	}
	if !ok {
		return plain
	}

	d, err := p.decode(obj)
	if err != nil {
		p.logger.Debug("directive discarded", "error", err)
		return plain
	}

	switch d.Action {
	case ActionRespond:
		return ParseResult{Text: d.Message}
	case ActionSpawnAgent:
		return ParseResult{Text: text, Directive: d}
	}
	return plain
}

func (p *DirectiveParser) decode(obj map[string]any) (*Directive, error) {
	result := p.schema.Validate(obj)
	if !result.IsValid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrMalformedDirective, result.Error())
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedDirective, err)
	}
	var d Directive
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedDirective, err)
	}

	if d.Action == ActionSpawnAgent && (p.roles == nil || !p.roles.HasRole(d.Agent)) {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrMalformedDirective, d.Agent)
	}
	return &d, nil
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// stripCodeFences removes markdown code fences if the model wrapped its output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

func strictObject(text string) (map[string]any, bool) {
	s := stripCodeFences(text)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	_, ok := obj["action"]
	return obj, ok
}

// embeddedObject returns the first balanced JSON object in text that decodes
// and carries an "action" key.
func embeddedObject(text string) (map[string]any, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := matchBrace(text, start)
		if end > 0 {
			var obj map[string]any
			if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err == nil {
				if _, ok := obj["action"]; ok {
					return obj, true
				}
				// A complete object without an action: skip past it.
				next := strings.IndexByte(text[end+1:], '{')
				if next < 0 {
					return nil, false
				}
				start = end + 1 + next
				continue
			}
		}
		// Unbalanced or invalid: retry from the next brace, which may open a
		// nested valid object.
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			return nil, false
		}
		start = start + 1 + next
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the one at open, or -1.
// Braces inside JSON strings are ignored.
func matchBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
