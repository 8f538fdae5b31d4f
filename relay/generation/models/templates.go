package models

import (
	"fmt"
	"strings"
	"text/template"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// TemplateFamily identifies the chat prompt format of a GGUF model.
type TemplateFamily string

const (
	FamilyChatML TemplateFamily = "chatml" // qwen, lfm2 and most instruction tunes
	FamilyGemma  TemplateFamily = "gemma"
)

// nativeToolFamilies lists families whose rendered prompt carries structured
// tool declarations. None of the built-in templates do, so llama-backed models
// are driven through the JSON fallback.
var nativeToolFamilies = map[TemplateFamily]bool{}

const chatMLTemplate = `{{range .Messages}}<|im_start|>{{.Role}}
{{.Content}}<|im_end|>
{{end}}{{if .AddGenerationPrompt}}<|im_start|>assistant
{{end}}`

// Gemma has no system role; the system text is folded into the first user turn.
const gemmaTemplate = `{{range .Messages}}<start_of_turn>{{if eq .Role "assistant"}}model{{else}}user{{end}}
{{.Content}}<end_of_turn>
{{end}}{{if .AddGenerationPrompt}}<start_of_turn>model
{{end}}`

var chatTemplates = map[TemplateFamily]*template.Template{
	FamilyChatML: template.Must(template.New("chatml").Parse(chatMLTemplate)),
	FamilyGemma:  template.Must(template.New("gemma").Parse(gemmaTemplate)),
}

// stopWords end generation at the family's turn delimiter.
var stopWords = map[TemplateFamily][]string{
	FamilyChatML: {"<|im_end|>", "<|im_start|>"},
	FamilyGemma:  {"<end_of_turn>", "<start_of_turn>"},
}

// FamilyFor picks the template family from a model id or file name.
func FamilyFor(modelID string) TemplateFamily {
	if strings.Contains(strings.ToLower(modelID), "gemma") {
		return FamilyGemma
	}
	return FamilyChatML
}

type templateMessage struct {
	Role    string
	Content string
}

type templateData struct {
	Messages            []templateMessage
	AddGenerationPrompt bool
}

// RenderPrompt flattens a prompt into the family's text format. Tool traffic
// is rendered as plain turns since the templates carry no tool syntax.
func RenderPrompt(family TemplateFamily, in ports.PromptInput) (string, error) {
	tmpl, ok := chatTemplates[family]
	if !ok {
		return "", fmt.Errorf("unknown chat template family %q", family)
	}

	var msgs []templateMessage
	if in.System != "" {
		msgs = append(msgs, templateMessage{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		switch m.Role {
		case "tool":
			msgs = append(msgs, templateMessage{
				Role:    "user",
				Content: fmt.Sprintf("Result of tool %s (call %s):\n%s", m.ToolName, m.ToolCallID, m.Content),
			})
		case "system", "user", "assistant":
			msgs = append(msgs, templateMessage{Role: m.Role, Content: m.Content})
		}
	}
	if family == FamilyGemma {
		msgs = foldSystem(msgs)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, templateData{Messages: msgs, AddGenerationPrompt: true}); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", family, err)
	}
	return b.String(), nil
}

func foldSystem(msgs []templateMessage) []templateMessage {
	if len(msgs) == 0 || msgs[0].Role != "system" {
		return msgs
	}
	sys := msgs[0].Content
	rest := msgs[1:]
	if len(rest) > 0 && rest[0].Role == "user" {
		out := append([]templateMessage{{Role: "user", Content: sys + "\n\n" + rest[0].Content}}, rest[1:]...)
		return out
	}
	return append([]templateMessage{{Role: "user", Content: sys}}, rest...)
}
