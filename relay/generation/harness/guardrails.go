package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// Guardrails restricts which catalog tools a model may call, checks call
// arguments against the advertised schema, and masks secrets in transcripts.
type Guardrails struct {
	allowlist     map[string]bool // empty allows every tool
	validate      bool
	outputFilters []*regexp.Regexp
	jsonValidator *JSONValidator
}

// NewGuardrails creates guardrails that allow every tool and validate
// arguments.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		allowlist: make(map[string]bool),
		validate:  true,
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
			regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{8,}`),
		},
		jsonValidator: NewJSONValidator(),
	}
}

// AddAllowedTool adds a tool to the allowlist.
func (g *Guardrails) AddAllowedTool(name string) {
	g.allowlist[name] = true
}

// RemoveAllowedTool removes a tool from the allowlist.
func (g *Guardrails) RemoveAllowedTool(name string) {
	delete(g.allowlist, name)
}

// SetSchemaValidation toggles argument validation.
func (g *Guardrails) SetSchemaValidation(on bool) { g.validate = on }

func (g *Guardrails) allowed(name string) bool {
	return len(g.allowlist) == 0 || g.allowlist[name]
}

// Filter drops catalog entries that are not allowed.
func (g *Guardrails) Filter(specs []ports.ToolSpec) []ports.ToolSpec {
	if len(g.allowlist) == 0 {
		return specs
	}
	out := make([]ports.ToolSpec, 0, len(specs))
	for _, s := range specs {
		if g.allowlist[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// ValidateToolCall checks that call is allowed and that its arguments satisfy
// the tool's schema.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall, spec ports.ToolSpec) error {
	if call.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !g.allowed(call.Name) {
		return fmt.Errorf("tool %s is not in allowlist", call.Name)
	}
	if !json.Valid(call.Args) {
		return fmt.Errorf("%w: arguments for %s are not valid JSON", ports.ErrMalformedToolCallJSON, call.Name)
	}
	if !g.validate {
		return nil
	}
	if err := g.jsonValidator.Validate(call.Args, spec.JSONSchema); err != nil {
		return fmt.Errorf("arguments for %s: %w", call.Name, err)
	}
	return nil
}

// SanitizeOutput masks credentials before text is persisted.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// JSONValidator handles JSON schema validation.
type JSONValidator struct{}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{}
}

// Validate checks that data conforms to schema. An empty schema accepts
// anything; a schema that does not compile is not held against the call.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil
	}
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
