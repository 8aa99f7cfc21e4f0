package validation

import (
	"github.com/convctl/conveyor/pkg/schema"
)

// Validator is the contract the control surface uses before persisting a
// workflow or starting an execution.
type Validator interface {
	ValidateWorkflow(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// WorkflowValidator is the full pipeline: structural (JSON Schema) first,
// then semantic (graph compilation and reference checks). Semantic checks
// only run on structurally sound documents.
type WorkflowValidator struct {
	structural *JSONSchemaValidator
}

// NewWorkflowValidator builds the pipeline.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	structural, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{structural: structural}, nil
}

// ValidateWorkflow runs both passes and aggregates every finding.
func (v *WorkflowValidator) ValidateWorkflow(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.structural.ValidateDefinition(def); err != nil {
		result.AddError("", schema.CodeOf(err), err.Error())
		return result
	}

	result.Merge(validateSemantic(def))
	return result
}

// ValidateInput delegates to the structural validator's schema cache.
func (v *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return v.structural.ValidateInput(input, inputSchema)
}

var _ Validator = (*WorkflowValidator)(nil)
