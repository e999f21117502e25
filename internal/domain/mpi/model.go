package mpi

import (
	"time"

	"github.com/google/uuid"
)

// IdentityStatus is the lifecycle status of a canonical identity.
type IdentityStatus string

const (
	StatusActive IdentityStatus = "ACTIVE"
	StatusMerged IdentityStatus = "MERGED"
)

// ResolutionState is the verification status of an identity.
type ResolutionState string

const (
	ResolutionUnverified ResolutionState = "UNVERIFIED"
	ResolutionConfirmed  ResolutionState = "CONFIRMED"
)

// AliasType classifies a secondary identifier bound to an identity.
type AliasType string

const (
	AliasMRN             AliasType = "MRN"
	AliasNationalID      AliasType = "NATIONAL_ID"
	AliasPassport        AliasType = "PASSPORT"
	AliasDriversLicense  AliasType = "DRIVERS_LICENSE"
	AliasInsuranceNumber AliasType = "INSURANCE_ID"
	AliasOther           AliasType = "OTHER"
)

// MergeType classifies why two identities were folded together.
type MergeType string

const (
	MergeDuplicate     MergeType = "DUPLICATE"
	MergeDataEntry     MergeType = "DATA_ENTRY_ERROR"
	MergeCrossFacility MergeType = "CROSS_FACILITY"
)

// Identity maps to the mpi_identity table. It is the canonical record for
// one real-world patient across all source systems. At most one non-merged
// identity references a given patient id, and the public number is globally
// unique and immutable once assigned.
type Identity struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PublicNumber    string          `db:"public_number" json:"public_number"`
	PatientID       *uuid.UUID      `db:"patient_id" json:"patient_id,omitempty"`
	OrganizationID  *string         `db:"organization_id" json:"organization_id,omitempty"`
	HospitalID      *string         `db:"hospital_id" json:"hospital_id,omitempty"`
	DepartmentID    *string         `db:"department_id" json:"department_id,omitempty"`
	Status          IdentityStatus  `db:"status" json:"status"`
	ResolutionState ResolutionState `db:"resolution_state" json:"resolution_state"`
	Active          bool            `db:"active" json:"active"`
	SourceSystem    *string         `db:"source_system" json:"source_system,omitempty"`
	Metadata        *string         `db:"metadata" json:"metadata,omitempty"`
	MRNSnapshot     *string         `db:"mrn_snapshot" json:"mrn_snapshot,omitempty"`
	CreatedBy       *string         `db:"created_by" json:"created_by,omitempty"`
	UpdatedBy       *string         `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`

	Aliases []*Alias `db:"-" json:"aliases"`
}

// FindAlias returns the alias with the given type and value from the
// identity's loaded collection, or nil.
func (i *Identity) FindAlias(aliasType AliasType, value string) *Alias {
	for _, a := range i.Aliases {
		if a.AliasType == aliasType && a.AliasValue == value {
			return a
		}
	}
	return nil
}

// AliasByID returns the alias with the given id from the identity's loaded
// collection, or nil when the alias does not belong to this identity.
func (i *Identity) AliasByID(id uuid.UUID) *Alias {
	for _, a := range i.Aliases {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Alias maps to the mpi_identity_alias table. The pair (alias_type,
// alias_value) is unique across the entire index, independent of the owning
// identity; an alias is never reassigned to a different identity.
type Alias struct {
	ID           uuid.UUID `db:"id" json:"id"`
	IdentityID   uuid.UUID `db:"identity_id" json:"identity_id"`
	AliasType    AliasType `db:"alias_type" json:"alias_type"`
	AliasValue   string    `db:"alias_value" json:"alias_value"`
	SourceSystem *string   `db:"source_system" json:"source_system,omitempty"`
	Active       bool      `db:"active" json:"active"`
	CreatedBy    *string   `db:"created_by" json:"created_by,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// MergeEvent maps to the mpi_merge_event table. One row is written per
// successful merge and never mutated or deleted. The undo token is generated
// for forward compatibility; no operation currently consumes it.
type MergeEvent struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PrimaryID      uuid.UUID  `db:"primary_id" json:"primary_id"`
	SecondaryID    uuid.UUID  `db:"secondary_id" json:"secondary_id"`
	OrganizationID *string    `db:"organization_id" json:"organization_id,omitempty"`
	HospitalID     *string    `db:"hospital_id" json:"hospital_id,omitempty"`
	DepartmentID   *string    `db:"department_id" json:"department_id,omitempty"`
	MergeType      MergeType  `db:"merge_type" json:"merge_type"`
	Resolution     string     `db:"resolution" json:"resolution"`
	Notes          *string    `db:"notes" json:"notes,omitempty"`
	UndoToken      string     `db:"undo_token" json:"undo_token"`
	MergedBy       *string    `db:"merged_by" json:"merged_by,omitempty"`
	MergedAt       time.Time  `db:"merged_at" json:"merged_at"`
}

// Actor is the caller context stamped onto writes: who is acting and under
// which organization/hospital/department. PermittedDepartments backs the
// deterministic department fallback during merge-scope resolution.
type Actor struct {
	UserID               string
	OrganizationID       *string
	HospitalID           *string
	DepartmentID         *string
	PermittedDepartments []string
}

// LinkRequest is the input to the resolution engine. PatientID is required;
// the alias triple is optional but type and value must be supplied together.
type LinkRequest struct {
	PatientID         uuid.UUID `json:"patient_id"`
	OrganizationID    *string   `json:"organization_id,omitempty"`
	HospitalID        *string   `json:"hospital_id,omitempty"`
	DepartmentID      *string   `json:"department_id,omitempty"`
	SourceSystem      *string   `json:"source_system,omitempty"`
	Metadata          *string   `json:"metadata,omitempty"`
	MRNSnapshot       *string   `json:"mrn_snapshot,omitempty"`
	AliasType         AliasType `json:"alias_type,omitempty"`
	AliasValue        string    `json:"alias_value,omitempty"`
	AliasSourceSystem *string   `json:"alias_source_system,omitempty"`

	Actor Actor `json:"-"`
}

func (r *LinkRequest) hasAlias() bool {
	return r.AliasType != "" && r.AliasValue != ""
}

// AliasRequest is the input to AddAlias.
type AliasRequest struct {
	AliasType    AliasType `json:"alias_type"`
	AliasValue   string    `json:"alias_value"`
	SourceSystem *string   `json:"source_system,omitempty"`

	Actor Actor `json:"-"`
}

// MergeRequest is the input to MergeIdentities.
type MergeRequest struct {
	SecondaryID uuid.UUID `json:"secondary_identity_id"`
	MergeType   MergeType `json:"merge_type"`
	Resolution  string    `json:"resolution"`
	Notes       *string   `json:"notes,omitempty"`

	Actor Actor `json:"-"`
}
