package receipt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/x402-foundation/settlex"
)

// complianceSchema validates the shape of a compliance block before any
// receipt work happens. Schema failures are validation errors: the request
// is rejected before the verifier or ledger is touched.
const complianceSchema = `{
	"type": "object",
	"required": ["payer", "merchant", "items", "preferences"],
	"properties": {
		"payer": {
			"type": "object",
			"required": ["jurisdiction", "entityType", "entityName", "email"],
			"properties": {
				"jurisdiction": {"type": "string", "minLength": 2},
				"entityType": {"type": "string", "minLength": 1},
				"entityName": {"type": "string", "minLength": 1},
				"taxId": {"type": "string"},
				"email": {"type": "string", "format": "email"}
			}
		},
		"merchant": {
			"type": "object",
			"required": ["name", "taxId", "address"],
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"taxId": {"type": "string", "minLength": 1},
				"address": {"type": "string", "minLength": 1}
			}
		},
		"items": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["description", "quantity", "unitPrice", "total"],
				"properties": {
					"description": {"type": "string", "minLength": 1},
					"quantity": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
					"unitPrice": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
					"total": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
				}
			}
		},
		"preferences": {
			"type": "object",
			"required": ["currency"],
			"properties": {
				"currency": {"type": "string", "minLength": 3, "maxLength": 3},
				"language": {"type": "string"}
			}
		}
	}
}`

var complianceSchemaLoader = gojsonschema.NewStringLoader(complianceSchema)

// ValidateComplianceInput checks a compliance block against the schema and
// returns a descriptive error listing every violation.
func ValidateComplianceInput(input *settlex.ComplianceInput) error {
	if input == nil {
		return nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal compliance input: %w", err)
	}

	result, err := gojsonschema.Validate(complianceSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to validate compliance input: %w", err)
	}
	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return fmt.Errorf("invalid compliance input: %s", strings.Join(violations, "; "))
}
