package shared

import (
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// IDENTIFIERS
// ═══════════════════════════════════════════════════════════════════════════

// UUID validation regex (simple version).
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// StudentID represents a unique student identifier (UUID format).
type StudentID string

// IsValid checks if the student ID is a valid UUID.
func (s StudentID) IsValid() bool {
	return uuidRegex.MatchString(string(s))
}

// String returns the string representation.
func (s StudentID) String() string {
	return string(s)
}

// NewStudentID creates a new StudentID with validation.
func NewStudentID(id string) (StudentID, error) {
	sid := StudentID(strings.ToLower(strings.TrimSpace(id)))
	if !sid.IsValid() {
		return "", NewDomainError("shared", "NewStudentID", ErrInvalidID, "invalid student ID format")
	}
	return sid, nil
}

// AcademyID identifies the academy that purchased a plan.
type AcademyID string

// IsValid checks if the academy ID is a valid UUID.
func (a AcademyID) IsValid() bool {
	return uuidRegex.MatchString(string(a))
}

// String returns the string representation.
func (a AcademyID) String() string {
	return string(a)
}

// NewAcademyID creates a new AcademyID with validation.
func NewAcademyID(id string) (AcademyID, error) {
	aid := AcademyID(strings.ToLower(strings.TrimSpace(id)))
	if !aid.IsValid() {
		return "", NewDomainError("shared", "NewAcademyID", ErrInvalidID, "invalid academy ID format")
	}
	return aid, nil
}

// PoolID identifies a credit pool (an academy's exam plan).
type PoolID string

// IsValid checks if the pool ID is a valid UUID.
func (p PoolID) IsValid() bool {
	return uuidRegex.MatchString(string(p))
}

// String returns the string representation.
func (p PoolID) String() string {
	return string(p)
}

// NewPoolID creates a new PoolID with validation.
func NewPoolID(id string) (PoolID, error) {
	pid := PoolID(strings.ToLower(strings.TrimSpace(id)))
	if !pid.IsValid() {
		return "", NewDomainError("shared", "NewPoolID", ErrInvalidID, "invalid plan ID format")
	}
	return pid, nil
}

// InstanceID identifies one exam attempt.
type InstanceID string

// IsValid checks if the instance ID is a valid UUID.
func (i InstanceID) IsValid() bool {
	return uuidRegex.MatchString(string(i))
}

// String returns the string representation.
func (i InstanceID) String() string {
	return string(i)
}

// NewInstanceID creates a new InstanceID with validation.
func NewInstanceID(id string) (InstanceID, error) {
	iid := InstanceID(strings.ToLower(strings.TrimSpace(id)))
	if !iid.IsValid() {
		return "", NewDomainError("shared", "NewInstanceID", ErrInvalidID, "invalid exam instance ID format")
	}
	return iid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// ACTOR
// ═══════════════════════════════════════════════════════════════════════════

// Actor is the authenticated caller as supplied by the identity layer.
// It is never built from request payloads.
type Actor struct {
	StudentID StudentID
	AcademyID AcademyID
}

// Validate checks that both identifiers are present and well formed.
func (a Actor) Validate() error {
	if !a.StudentID.IsValid() || !a.AcademyID.IsValid() {
		return ErrUnauthenticated
	}
	return nil
}
