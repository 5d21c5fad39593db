// Package workflowconfig stores per-form review workflow settings and
// resolves who should receive a data query raised on a form.
package workflowconfig

import (
	"errors"
	"time"
)

var ErrConfigNotFound = errors.New("workflow configuration not found")

// Config is the workflow configuration of a form. A nil StudyID marks the
// global row that applies when no study-specific row exists.
type Config struct {
	ID                int       `json:"id"`
	CRFID             int       `json:"crfId"`
	StudyID           *int      `json:"studyId,omitempty"`
	RequiresSDV       bool      `json:"requiresSdv"`
	RequiresSignature bool      `json:"requiresSignature"`
	RequiresDDE       bool      `json:"requiresDde"`
	QueryRouteToUsers []string  `json:"queryRouteToUsers"`
	UpdatedBy         *int      `json:"updatedBy,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// IsGlobal reports whether c applies to every study using the form.
func (c *Config) IsGlobal() bool { return c.StudyID == nil }

// UpdateRequest is the body of PUT /workflow-config/forms/:crfId.
type UpdateRequest struct {
	StudyID           *int     `json:"studyId" validate:"omitempty,gt=0"`
	RequiresSDV       bool     `json:"requiresSdv"`
	RequiresSignature bool     `json:"requiresSignature"`
	RequiresDDE       bool     `json:"requiresDde"`
	QueryRouteToUsers []string `json:"queryRouteToUsers" validate:"omitempty,max=20,dive,required,max=64"`
}

// User is an active account from the user directory.
type User struct {
	ID       int    `json:"userId"`
	UserName string `json:"userName"`
}

// StudyRole is one user's role assignment within a study.
type StudyRole struct {
	User
	Role string `json:"role"`
}

// Assignment source values.
const (
	SourceConfig = "workflow_config"
	SourceRole   = "study_role"
	SourceNone   = "none"
)

// Assignment is the outcome of assignee resolution. Primary is nil when
// nothing resolved; the query is then created unassigned. Additional holds
// the remaining routed users, which are notified but not linked.
type Assignment struct {
	Primary    *User  `json:"primary"`
	Additional []User `json:"additional"`
	Source     string `json:"source"`
	CRFID      int    `json:"crfId"`
}

// PrimaryID returns the primary assignee's user id, or nil.
func (a *Assignment) PrimaryID() *int {
	if a == nil || a.Primary == nil {
		return nil
	}
	id := a.Primary.ID
	return &id
}
