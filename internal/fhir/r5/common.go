// Package r5 renders ledger prescriptions as FHIR R5 resources.
package r5

import (
	"time"

	"github.com/umodzi/rxledger/internal/domain/prescription"
)

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitzero"`
	Source      string    `json:"source,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Quantity is a measured amount. Values keep the ledger's exact decimals.
type Quantity struct {
	Value prescription.Quantity `json:"value"`
	Unit  string                `json:"unit,omitempty"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string `json:"severity"` // fatal | error | warning | information
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    "error",
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

// IssueCode maps a ledger failure to a FHIR issue-type code.
func IssueCode(kind prescription.Kind) string {
	switch kind {
	case prescription.KindInvalidArgument:
		return "invalid"
	case prescription.KindNotFound:
		return "not-found"
	case prescription.KindAlreadyDispensed, prescription.KindAlreadyExists:
		return "conflict"
	case prescription.KindStorageFailure:
		return "transient"
	default:
		return "exception"
	}
}

// SystemPrescriptionID namespaces ledger prescription ids in identifiers.
const SystemPrescriptionID = "urn:rxledger:prescription-id"

// ContentType is the FHIR JSON media type.
const ContentType = "application/fhir+json"

// Medication request statuses used by the ledger.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

const IntentOrder = "order"
