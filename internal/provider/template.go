package provider

import (
	"fmt"
	"strings"
)

// TemplateError is raised when a prompt template is missing a required
// context variable, caught before any network I/O per section 4.2 step 1.
type TemplateError struct {
	Operation string
	Missing   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("provider: template %q missing required variable %q", e.Operation, e.Missing)
}

// Template is a prompt template keyed by (operation, detail level),
// declaring the context variables it requires.
type Template struct {
	Operation string
	Detail    string
	Body      string
	Required  []string
}

var templates = map[string]Template{
	"translate_function:brief": {
		Operation: "translate_function", Detail: "brief",
		Body:     "Briefly explain what the function %s does, given this disassembly:\n%s",
		Required: []string{"name", "assembly"},
	},
	"translate_function:standard": {
		Operation: "translate_function", Detail: "standard",
		Body:     "Explain what the function %s does, its parameters and behavior, given this disassembly:\n%s",
		Required: []string{"name", "assembly"},
	},
	"translate_function:comprehensive": {
		Operation: "translate_function", Detail: "comprehensive",
		Body:     "Provide a comprehensive explanation of function %s, including control flow, side effects, and likely purpose, given this disassembly:\n%s",
		Required: []string{"name", "assembly"},
	},
	"explain_imports:brief": {
		Operation: "explain_imports", Detail: "brief",
		Body:     "Briefly explain the purpose of these imported functions from %s: %s",
		Required: []string{"library", "functions"},
	},
	"explain_imports:standard": {
		Operation: "explain_imports", Detail: "standard",
		Body:     "Explain the purpose and typical usage of these imported functions from %s: %s",
		Required: []string{"library", "functions"},
	},
	"explain_imports:comprehensive": {
		Operation: "explain_imports", Detail: "comprehensive",
		Body:     "Provide a detailed explanation, including security implications, of these imported functions from %s: %s",
		Required: []string{"library", "functions"},
	},
	"interpret_strings:brief": {
		Operation: "interpret_strings", Detail: "brief",
		Body:     "Briefly interpret the likely purpose of these strings: %s",
		Required: []string{"values"},
	},
	"interpret_strings:standard": {
		Operation: "interpret_strings", Detail: "standard",
		Body:     "Interpret these strings and what they suggest about program behavior: %s",
		Required: []string{"values"},
	},
	"interpret_strings:comprehensive": {
		Operation: "interpret_strings", Detail: "comprehensive",
		Body:     "Provide a detailed interpretation of these strings, including any protocol, format, or configuration hints: %s",
		Required: []string{"values"},
	},
	"generate_overall_summary:brief": {
		Operation: "generate_overall_summary", Detail: "brief",
		Body:     "Briefly summarize the overall purpose of this binary given: %s",
		Required: []string{"aggregate"},
	},
	"generate_overall_summary:standard": {
		Operation: "generate_overall_summary", Detail: "standard",
		Body:     "Summarize the overall purpose and behavior of this binary given: %s",
		Required: []string{"aggregate"},
	},
	"generate_overall_summary:comprehensive": {
		Operation: "generate_overall_summary", Detail: "comprehensive",
		Body:     "Provide a comprehensive summary of this binary's purpose, structure, and notable behaviors given: %s",
		Required: []string{"aggregate"},
	},
}

// Render looks up the template for (operation, detail) and substitutes
// vars in declaration order, failing fast if a required variable is absent.
func Render(operation, detail string, vars map[string]string) (string, error) {
	tmpl, ok := templates[operation+":"+detail]
	if !ok {
		return "", fmt.Errorf("provider: no template for %s/%s", operation, detail)
	}
	args := make([]interface{}, 0, len(tmpl.Required))
	for _, key := range tmpl.Required {
		v, ok := vars[key]
		if !ok || strings.TrimSpace(v) == "" {
			return "", &TemplateError{Operation: operation, Missing: key}
		}
		args = append(args, v)
	}
	return fmt.Sprintf(tmpl.Body, args...), nil
}
