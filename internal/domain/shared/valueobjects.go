package shared

import (
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// UserID identifies a platform user (student or staff). The identity
// provider is a collaborator; ids are opaque to the pipeline.
type UserID string

var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

// IsValid checks if the user ID has an acceptable shape.
func (u UserID) IsValid() bool {
	return userIDRegex.MatchString(string(u))
}

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// IsEmpty checks if the user ID is empty.
func (u UserID) IsEmpty() bool {
	return u == ""
}

// NewUserID creates a new UserID with validation.
func NewUserID(id string) (UserID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", NewDomainError("user", "Validate", ErrEmptyValue, "user id is required")
	}
	u := UserID(id)
	if !u.IsValid() {
		return "", NewDomainError("user", "Validate", ErrInvalidID, "invalid user id")
	}
	return u, nil
}

// InstitutionID identifies the tenant a user belongs to.
type InstitutionID string

// AllInstitutions is the wildcard subscription scope.
const AllInstitutions InstitutionID = "*"

// String returns the string representation.
func (i InstitutionID) String() string {
	return string(i)
}

// IsWildcard reports whether the id selects every institution.
func (i InstitutionID) IsWildcard() bool {
	return i == "" || i == AllInstitutions
}

// Matches reports whether an alert for other should be delivered to a
// subscriber scoped to i.
func (i InstitutionID) Matches(other InstitutionID) bool {
	return i.IsWildcard() || i == other
}
