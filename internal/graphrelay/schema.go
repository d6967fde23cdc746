package graphrelay

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// notificationBatchSchema describes the shape of an inbound webhook POST.
// Item-level secrets and change semantics are checked later; this gate only
// rejects bodies that are not a notification batch at all.
const notificationBatchSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["value"],
	"properties": {
		"value": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["subscriptionId"],
				"properties": {
					"subscriptionId": {"type": "string", "minLength": 1},
					"clientState": {"type": "string"},
					"changeType": {"type": "string"},
					"lifecycleEvent": {"type": "string"},
					"resourceData": {
						"type": "object",
						"properties": {
							"id": {"type": "string"}
						}
					}
				}
			}
		}
	}
}`

var batchSchema = mustCompileBatchSchema()

func mustCompileBatchSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(notificationBatchSchema)))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded batch schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification-batch.json", doc); err != nil {
		panic(fmt.Sprintf("invalid embedded batch schema: %v", err))
	}
	return compiler.MustCompile("notification-batch.json")
}

// ValidateNotificationBatch checks a decoded webhook body against the batch
// schema.
func ValidateNotificationBatch(body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: invalid json body", ErrInvalidInput)
	}
	if err := batchSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
