// Package schema validates inbound JSON payloads before they are decoded.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Payload names.
const (
	CreateSubmission = "approvals.submission.create"
	AdminDecision    = "approvals.admin.decision"
	DLQMessage       = "approvals.dlq.message"
)

// Version of the embedded schemas.
const Version = "1.0.0"

// ErrUnknownSchema is returned for a payload name with no schema.
var ErrUnknownSchema = errors.New("unknown schema")

// ValidationError lists every violation found in a payload.
type ValidationError struct {
	Schema     string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed: %s", e.Schema, strings.Join(e.Violations, "; "))
}

// Validator holds the compiled schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// Fields may arrive flat or nested under "item"; the normalizer decides which
// wins, so the schema only pins types.
const submissionFields = `{
	"id":          {"type": "string", "maxLength": 128},
	"userId":      {"type": "string", "maxLength": 128},
	"ownerSub":    {"type": "string", "maxLength": 128},
	"s3Key":       {"type": "string", "maxLength": 1024},
	"mediaKey":    {"type": "string", "maxLength": 1024},
	"rawMediaKey": {"type": "string", "maxLength": 1024},
	"caption":     {"type": "string", "maxLength": 4096},
	"description": {"type": "string", "maxLength": 4096},
	"variant":     {"type": "string", "maxLength": 32}
}`

var sources = map[string]string{
	CreateSubmission: `{
		"type": "object",
		"properties": ` + strings.TrimSuffix(submissionFields, "}") + `,
			"item": {"type": "object", "properties": ` + submissionFields + `}
		}
	}`,
	AdminDecision: `{
		"type": "object",
		"required": ["approvalId", "decision"],
		"additionalProperties": false,
		"properties": {
			"approvalId": {"type": "string", "minLength": 1, "maxLength": 128},
			"decision":   {"type": "string", "enum": ["APPROVE", "REJECT"]},
			"reason":     {"type": "string", "maxLength": 1024}
		}
	}`,
	DLQMessage: `{
		"type": "object",
		"required": ["executionId", "submissionId"],
		"properties": {
			"executionId":     {"type": "string", "minLength": 1},
			"submissionId":    {"type": "string", "minLength": 1},
			"error":           {"type": "string"},
			"workflowVariant": {"type": "string"},
			"timestamp":       {"type": "string", "format": "date-time"}
		}
	}`,
}

// NewValidator compiles every schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(sources))}
	for name, src := range sources {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Validate checks a raw JSON document against the named schema. A document
// that is not JSON at all is reported as a ValidationError too.
func (v *Validator) Validate(name string, doc []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &ValidationError{Schema: name, Violations: []string{"malformed JSON: " + err.Error()}}
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return &ValidationError{Schema: name, Violations: errs}
	}
	return nil
}
