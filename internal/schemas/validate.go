// Package schemas provides JSON Schema validation for job payloads and
// inbound webhook bodies.
package schemas

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jonathan/lead-pipeline/internal/types"
	schemafiles "github.com/jonathan/lead-pipeline/schemas"
)

// Schema names, matching the embedded "<name>.schema.json" files.
const (
	SchemaLeadJob     = "lead_job"
	SchemaFollowUpJob = "follow_up_job"
	SchemaSweepJob    = "sweep_job"
	SchemaScrapeJob   = "scrape_job"
	SchemaWebhook     = "webhook"
)

// jobSchemas maps each job type to the schema of its payload.
var jobSchemas = map[string]string{
	types.JobScrape:            SchemaScrapeJob,
	types.JobScoreLead:         SchemaLeadJob,
	types.JobSendEmail:         SchemaLeadJob,
	types.JobRefreshEnrichment: SchemaLeadJob,
	types.JobFollowUp:          SchemaFollowUpJob,
	types.JobRescoreSweep:      SchemaSweepJob,
	types.JobCampaignSweep:     SchemaSweepJob,
	types.JobCleanup:           SchemaSweepJob,
	types.JobHealthCheck:       SchemaSweepJob,
}

// ValidationError represents a schema validation error with field paths
type ValidationError struct {
	Schema string
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string
	Message string
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load schema %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load schema %s: %s", e.Path, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	if ve.Schema != "" {
		sb.WriteString(fmt.Sprintf("%s validation failed:\n", ve.Schema))
	} else {
		sb.WriteString("validation failed:\n")
	}
	for i, err := range ve.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	return sb.String()
}

// Validator holds the compiled embedded schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// Load compiles every embedded schema.
func Load() (*Validator, error) {
	return LoadFS(schemafiles.FS)
}

// LoadFS compiles every "*.schema.json" file at the root of fsys.
func LoadFS(fsys fs.FS) (*Validator, error) {
	paths, err := fs.Glob(fsys, "*.schema.json")
	if err != nil {
		return nil, &SchemaLoadError{Path: ".", Message: "failed to list schemas", Cause: err}
	}

	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(paths))}
	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, &SchemaLoadError{Path: path, Message: "failed to read", Cause: err}
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, &SchemaLoadError{Path: path, Message: "invalid schema", Cause: err}
		}
		v.schemas[strings.TrimSuffix(path, ".schema.json")] = schema
	}
	return v, nil
}

// Has reports whether a schema with the given name is loaded.
func (v *Validator) Has(name string) bool {
	_, ok := v.schemas[name]
	return ok
}

// Validate checks doc against the named schema.
func (v *Validator) Validate(name string, doc []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return &SchemaLoadError{Path: name + ".schema.json", Message: "schema not loaded"}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &ValidationError{Schema: name, Errors: []FieldError{{Field: "(root)", Message: err.Error()}}}
	}
	return toValidationError(name, result)
}

// JobPayload validates a job payload by job type. It has the signature of a
// queue payload validator; job types without a schema pass.
func (v *Validator) JobPayload(jobType string, payload []byte) error {
	name, ok := jobSchemas[jobType]
	if !ok {
		return nil
	}
	return v.Validate(name, payload)
}

// Webhook validates an inbound transport webhook body.
func (v *Validator) Webhook(body []byte) error {
	return v.Validate(SchemaWebhook, body)
}

// ValidateJSONString validates JSON string content against schema string content
func ValidateJSONString(schemaContent, jsonContent string) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaContent)
	documentLoader := gojsonschema.NewStringLoader(jsonContent)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &SchemaLoadError{
			Path:    "(string schema)",
			Message: "schema validation failed during load",
			Cause:   err,
		}
	}
	return toValidationError("", result)
}

func toValidationError(name string, result *gojsonschema.Result) error {
	if result.Valid() {
		return nil
	}

	// Build structured error
	validationErr := &ValidationError{
		Schema: name,
		Errors: make([]FieldError, 0, len(result.Errors())),
	}

	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}

	return validationErr
}
