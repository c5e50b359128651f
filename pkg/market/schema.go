package market

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchemas are the per-type payload schemas enforced at the append
// boundary. Unknown event types fall into the opaque bucket: any JSON
// object is accepted and carried verbatim.
var eventSchemas = map[string]string{
	"job.created": `{
		"type": "object",
		"required": ["taskId", "title"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"title": {"type": "string", "minLength": 1},
			"budgetCents": {"type": "integer", "minimum": 0}
		}
	}`,
	"job.bid_placed": `{
		"type": "object",
		"required": ["bidId", "agentId", "amountCents"],
		"properties": {
			"bidId": {"type": "string", "minLength": 1},
			"agentId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 1}
		}
	}`,
	"job.awarded": `{
		"type": "object",
		"required": ["agreementId", "bidId", "agentId"],
		"properties": {
			"agreementId": {"type": "string", "minLength": 1},
			"bidId": {"type": "string", "minLength": 1},
			"agentId": {"type": "string", "minLength": 1}
		}
	}`,
	"run.started": `{
		"type": "object",
		"required": ["runId", "agreementId"],
		"properties": {
			"runId": {"type": "string", "minLength": 1},
			"agreementId": {"type": "string", "minLength": 1}
		}
	}`,
	"run.evidence_attached": `{
		"type": "object",
		"required": ["runId", "name", "key", "hash"],
		"properties": {
			"runId": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"key": {"type": "string", "minLength": 1},
			"hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
		}
	}`,
	"run.completed": `{
		"type": "object",
		"required": ["runId", "verificationStatus"],
		"properties": {
			"runId": {"type": "string", "minLength": 1},
			"verificationStatus": {"enum": ["green", "amber", "red"]}
		}
	}`,
	"signer.registered": `{
		"type": "object",
		"required": ["keyId", "publicKey"],
		"properties": {
			"keyId": {"type": "string", "minLength": 1},
			"publicKey": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
		}
	}`,
	"dispute.opened": `{
		"type": "object",
		"required": ["settlementId"],
		"properties": {
			"settlementId": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`,
	"dispute.escalated": `{
		"type": "object",
		"required": ["settlementId", "level"],
		"properties": {
			"settlementId": {"type": "string", "minLength": 1},
			"level": {"enum": ["l1_counterparty", "l2_arbiter", "l3_external"]}
		}
	}`,
	"dispute.closed": `{
		"type": "object",
		"required": ["settlementId", "outcome"],
		"properties": {
			"settlementId": {"type": "string", "minLength": 1},
			"outcome": {"type": "string", "minLength": 1}
		}
	}`,
	"settlement.resolved": `{
		"type": "object",
		"required": ["settlementId", "status"],
		"properties": {
			"settlementId": {"type": "string", "minLength": 1},
			"status": {"enum": ["released", "refunded"]},
			"releasedAmountCents": {"type": "integer", "minimum": 0},
			"refundedAmountCents": {"type": "integer", "minimum": 0}
		}
	}`,
}

// SchemaSet validates event payloads by type.
type SchemaSet struct {
	compiled map[string]*jsonschema.Schema
}

// NewSchemaSet compiles the built-in payload schemas.
func NewSchemaSet() (*SchemaSet, error) {
	compiled := make(map[string]*jsonschema.Schema, len(eventSchemas))
	for eventType, src := range eventSchemas {
		c := jsonschema.NewCompiler()
		url := "settld://schemas/" + eventType + ".json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("market: loading schema for %s: %w", eventType, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("market: compiling schema for %s: %w", eventType, err)
		}
		compiled[eventType] = sch
	}
	return &SchemaSet{compiled: compiled}, nil
}

// Validate checks a payload against the schema for its event type. Payloads
// for unknown types only need to be a JSON object.
func (s *SchemaSet) Validate(eventType string, payload json.RawMessage) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("market: payload for %s is not valid JSON: %w", eventType, err)
	}

	sch, ok := s.compiled[eventType]
	if !ok {
		if _, isObject := v.(map[string]any); !isObject {
			return fmt.Errorf("market: payload for %s must be a JSON object", eventType)
		}
		return nil
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("market: payload for %s rejected by schema: %w", eventType, err)
	}
	return nil
}
