package utils

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"propreach/models"
)

// ContentGenerator maps a recipient's field set to text. Implementations
// wrap an AI provider; failures are recovered per recipient, never fatal
// for a batch.
type ContentGenerator interface {
	Generate(prompt string, fields map[string]string) (string, error)
}

// Renderer turns a step's sections into a fully-rendered message body for
// one recipient. Generator may be nil, in which case personalized sections
// fall back to the failure placeholder.
type Renderer struct {
	Generator ContentGenerator
}

// GenerationPlaceholder is what a human reviewer sees in place of a section
// whose AI generation failed, so it can be fixed before launch.
func GenerationPlaceholder(label string) string {
	return fmt.Sprintf("[%s - generation failed]", label)
}

// RenderSubject resolves a static or generated subject line for one
// recipient.
func (r *Renderer) RenderSubject(mode, subject, prompt string, fields map[string]string) string {
	if mode != "generated" {
		return subject
	}
	if r.Generator == nil {
		return GenerationPlaceholder("Subject")
	}
	out, err := r.Generator.Generate(prompt, fields)
	if err != nil || strings.TrimSpace(out) == "" {
		return GenerationPlaceholder("Subject")
	}
	return strings.TrimSpace(out)
}

// RenderStepBody renders every section of a step in order. format is the
// campaign's email format (html or text). A generation failure for one
// section substitutes a visible placeholder and rendering continues.
func (r *Renderer) RenderStepBody(step models.Step, format string, fields map[string]string) string {
	sections := make([]models.Section, len(step.Sections))
	copy(sections, step.Sections)
	sort.Slice(sections, func(i, j int) bool {
		return sections[i].OrderIndex < sections[j].OrderIndex
	})

	parts := make([]string, 0, len(sections))
	for _, section := range sections {
		parts = append(parts, r.renderSection(section, format, fields))
	}
	if format == "html" {
		return strings.Join(parts, "\n")
	}
	return strings.Join(parts, "\n\n")
}

func (r *Renderer) renderSection(s models.Section, format string, fields map[string]string) string {
	content := s.Content
	if s.Mode == "personalized" {
		content = r.generateSection(s, fields)
	}

	if s.Type == "button" {
		if format == "html" {
			return fmt.Sprintf(`<p><a href="%s" style="display:inline-block;padding:10px 20px;background-color:#3498db;color:white;text-decoration:none;border-radius:4px;">%s</a></p>`,
				html.EscapeString(s.URL), html.EscapeString(content))
		}
		return fmt.Sprintf("%s (%s)", content, s.URL)
	}

	if format == "html" {
		return "<p>" + strings.ReplaceAll(html.EscapeString(content), "\n", "<br>") + "</p>"
	}
	return content
}

func (r *Renderer) generateSection(s models.Section, fields map[string]string) string {
	if r.Generator == nil {
		return GenerationPlaceholder(s.Label)
	}
	out, err := r.Generator.Generate(s.Prompt, allowedFields(fields, s.SelectedFields))
	if err != nil || strings.TrimSpace(out) == "" {
		return GenerationPlaceholder(s.Label)
	}
	return strings.TrimSpace(out)
}

// allowedFields filters the recipient field map down to a section's
// allow-list. An empty allow-list passes nothing through.
func allowedFields(fields map[string]string, selected []string) map[string]string {
	out := make(map[string]string, len(selected))
	for _, name := range selected {
		if v, ok := fields[name]; ok {
			out[name] = v
		}
	}
	return out
}

// ValidateSelectedFields checks every personalized section's allow-list
// against the actual imported column set before launch, instead of trusting
// free-form interpolation at send time.
func ValidateSelectedFields(steps []models.Step, columns map[string]struct{}) error {
	for _, step := range steps {
		for _, section := range step.Sections {
			if section.Mode != "personalized" {
				continue
			}
			for _, field := range section.SelectedFields {
				if _, ok := columns[field]; !ok {
					return fmt.Errorf("section %q references unknown recipient field %q", section.Label, field)
				}
			}
		}
	}
	return nil
}
