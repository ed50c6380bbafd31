// Package rendering renders outreach messages from text templates.
package rendering

import "fmt"

// Template operations reported by TemplateError.
const (
	OpLoad    = "load"
	OpParse   = "parse"
	OpLookup  = "lookup"
	OpExecute = "execute"
)

// TemplateError reports a message template that could not be loaded, parsed,
// found or executed. Template is a name for lookups and a path for loads.
type TemplateError struct {
	Template string
	Op       string
	Cause    error
}

func (e *TemplateError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("template %s: %s failed", e.Template, e.Op)
	}
	return fmt.Sprintf("template %s: %s failed: %v", e.Template, e.Op, e.Cause)
}

func (e *TemplateError) Unwrap() error { return e.Cause }

// RenderError means a template executed but its output is not a sendable
// message, for example because the subject line is missing.
type RenderError struct {
	Template string
	Cause    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("rendered %s is not a valid message: %v", e.Template, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }
