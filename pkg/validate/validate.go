// Package validate performs structural and semantic validation of a
// receipt envelope independent of ledger state (spec.md §4.2, C2). It
// never touches the store: every check here can be decided from the
// envelope alone.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/gateerror"
)

//go:embed receipt.schema.json
var receiptSchemaJSON []byte

const schemaURL = "https://receiptgate.local/schema/receipt.schema.json"

var receiptIDPattern = func() func(string) bool {
	// [A-Za-z0-9._:\-]+ inlined to avoid importing regexp per call.
	return func(s string) bool {
		if s == "" {
			return false
		}
		for _, r := range s {
			switch {
			case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			case r == '.' || r == '_' || r == ':' || r == '-':
			default:
				return false
			}
		}
		return true
	}
}()

// Validator holds the compiled JSON Schema used for structural checks,
// mirroring pkg/firewall's compile-once-at-startup pattern.
type Validator struct {
	schema            *jsonschema.Schema
	receiptBodyMaxLen int
}

// New compiles the embedded receipt schema. receiptBodyMaxBytes is the
// configured body size limit (spec.md §6.3, default 262144).
func New(receiptBodyMaxBytes int) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(string(receiptSchemaJSON))); err != nil {
		return nil, fmt.Errorf("validate: load schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("validate: compile schema: %w", err)
	}
	return &Validator{schema: compiled, receiptBodyMaxLen: receiptBodyMaxBytes}, nil
}

// Normalize applies the "NA" sentinel rule at ingress: the literal string
// "NA" in caused_by_receipt_id is treated as absent and rewritten to nil
// before anything downstream sees it (spec.md §9).
func Normalize(r *contracts.Receipt) {
	if r.CausedByReceiptID != nil && *r.CausedByReceiptID == "NA" {
		r.CausedByReceiptID = nil
	}
}

// Validate runs the full structural + semantic check of spec.md §4.2 and
// returns a *gateerror.Error with Code VALIDATION_ERROR (422),
// BODY_TOO_LARGE (413) or ARTIFACT_REF_INVALID (422) on failure, nil on
// success. It does not touch the ledger; cause-exists enforcement (which
// requires a store lookup) is a separate step the caller runs afterward.
func (v *Validator) Validate(r *contracts.Receipt) *gateerror.Error {
	var fields []gateerror.FieldError

	generic, err := toGeneric(r)
	if err != nil {
		return gateerror.Validation("receipt could not be decoded", []gateerror.FieldError{
			{Field: "$", Message: err.Error()},
		})
	}
	if err := v.schema.Validate(generic); err != nil {
		fields = append(fields, schemaFieldErrors(err)...)
	}

	if !receiptIDPattern(r.ReceiptID) {
		fields = append(fields, gateerror.FieldError{Field: "receipt_id", Message: "must match [A-Za-z0-9._:-]+"})
	}
	if utf8.RuneCountInString(r.ReceiptID) > 200 {
		fields = append(fields, gateerror.FieldError{Field: "receipt_id", Message: "must be at most 200 characters"})
	}

	switch r.Phase {
	case contracts.PhaseAccepted, contracts.PhaseComplete, contracts.PhaseEscalate, contracts.PhaseCancel:
	default:
		fields = append(fields, gateerror.FieldError{Field: "phase", Message: "must be one of accepted, complete, escalate, cancel"})
	}

	if r.CausedByReceiptID != nil && *r.CausedByReceiptID == r.ReceiptID {
		fields = append(fields, gateerror.FieldError{Field: "caused_by_receipt_id", Message: "must not equal receipt_id (no self-loop)"})
	}

	switch r.Phase {
	case contracts.PhaseComplete:
		if r.Body.Result == nil && len(r.ArtifactRefs) == 0 {
			fields = append(fields, gateerror.FieldError{Field: "body.result", Message: "complete requires body.result or artifact_refs"})
		}
	case contracts.PhaseEscalate:
		if r.Body.Escalation == nil {
			fields = append(fields, gateerror.FieldError{Field: "body.escalation", Message: "escalate requires body.escalation"})
		} else {
			fields = append(fields, escalationRoutingErrors(r)...)
		}
	case contracts.PhaseCancel:
		if r.Body.Cancel == nil {
			fields = append(fields, gateerror.FieldError{Field: "body.cancel", Message: "cancel requires body.cancel"})
		}
	}

	if len(fields) > 0 {
		return gateerror.Validation("receipt failed validation", fields)
	}

	if artErr := validateArtifactRefs(r.ArtifactRefs); artErr != nil {
		return artErr
	}

	if v.receiptBodyMaxLen > 0 {
		bodyBytes, err := json.Marshal(r.Body)
		if err != nil {
			return gateerror.Validation("body could not be serialized", []gateerror.FieldError{{Field: "body", Message: err.Error()}})
		}
		if len(bodyBytes) > v.receiptBodyMaxLen {
			return gateerror.BodyTooLarge(v.receiptBodyMaxLen, len(bodyBytes))
		}
	}

	return nil
}

// escalationRoutingErrors checks spec.md §3.2 #6's routing invariant,
// restricted to the half that needs no ledger lookup: created_by ==
// recipient, recipient == body.escalation.to, and obligation_id ==
// body.escalation.parent_obligation_id. The remaining half (parent
// receipt exists, has phase accepted, child_obligation_id unused) is
// ledger state and lives in pkg/obligation's Step 4.
func escalationRoutingErrors(r *contracts.Receipt) []gateerror.FieldError {
	esc := r.Body.Escalation
	var fields []gateerror.FieldError
	if r.CreatedBy != r.Recipient {
		fields = append(fields, gateerror.FieldError{Field: "created_by", Message: "escalate must be minted by the escalating recipient (created_by == recipient)"})
	}
	if r.Recipient != esc.To {
		fields = append(fields, gateerror.FieldError{Field: "body.escalation.to", Message: "must equal recipient"})
	}
	if r.ObligationID != esc.ParentObligationID {
		fields = append(fields, gateerror.FieldError{Field: "body.escalation.parent_obligation_id", Message: "must equal obligation_id"})
	}
	if esc.ChildObligationID == "" {
		fields = append(fields, gateerror.FieldError{Field: "body.escalation.child_obligation_id", Message: "is required"})
	}
	return fields
}

// validateArtifactRefs enforces spec.md §3.2 #8: binary/dataset artifacts
// must carry a digest.
func validateArtifactRefs(refs []contracts.ArtifactRef) *gateerror.Error {
	for i, ref := range refs {
		if ref.Kind == nil {
			continue
		}
		if (*ref.Kind == "binary" || *ref.Kind == "dataset") && (ref.Digest == nil || *ref.Digest == "") {
			return gateerror.ArtifactRefInvalid(
				fmt.Sprintf("artifact_refs[%d]: kind %q requires a digest", i, *ref.Kind),
			)
		}
	}
	return nil
}

func toGeneric(r *contracts.Receipt) (any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// schemaFieldErrors flattens a jsonschema validation error tree into the
// flat field-error list spec.md §4.2 expects to surface.
func schemaFieldErrors(err error) []gateerror.FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []gateerror.FieldError{{Field: "$", Message: err.Error()}}
	}
	var out []gateerror.FieldError
	flattenSchemaError(ve, &out)
	if len(out) == 0 {
		out = append(out, gateerror.FieldError{Field: "$", Message: err.Error()})
	}
	return out
}

func flattenSchemaError(ve *jsonschema.ValidationError, out *[]gateerror.FieldError) {
	if len(ve.Causes) == 0 {
		field := ve.InstanceLocation
		if field == "" {
			field = "$"
		}
		*out = append(*out, gateerror.FieldError{Field: field, Message: ve.Message})
		return
	}
	for _, cause := range ve.Causes {
		flattenSchemaError(cause, out)
	}
}
