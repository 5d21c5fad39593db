// Package query manages data queries (discrepancy notes): work items that
// flag a single data point for review and carry its resolution thread.
package query

import (
	"errors"
	"time"
)

var (
	ErrQueryNotFound     = errors.New("query not found")
	ErrInvalidTransition = errors.New("invalid query status transition")
)

type Status string

const (
	StatusNew                Status = "New"
	StatusUpdated            Status = "Updated"
	StatusResolutionProposed Status = "ResolutionProposed"
	StatusClosed             Status = "Closed"
	StatusNotApplicable      Status = "NotApplicable"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusNotApplicable
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusUpdated, StatusResolutionProposed, StatusClosed, StatusNotApplicable:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusNew:                {StatusUpdated, StatusResolutionProposed, StatusClosed, StatusNotApplicable},
	StatusUpdated:            {StatusUpdated, StatusResolutionProposed, StatusClosed, StatusNotApplicable},
	StatusResolutionProposed: {StatusUpdated, StatusClosed, StatusNotApplicable},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Type distinguishes automatic validation failures from annotations and
// manually raised queries.
type Type string

const (
	TypeFailedValidation Type = "FailedValidation"
	TypeAnnotation       Type = "Annotation"
	TypeQuery            Type = "Query"
)

// TypeForSeverity maps a rule severity to the query type it raises.
func TypeForSeverity(severity string) Type {
	if severity == "warning" {
		return TypeAnnotation
	}
	return TypeFailedValidation
}

const entityItemData = "itemData"

// Query is a root discrepancy note or, when ParentID is set, a note in its
// thread.
type Query struct {
	ID             int        `json:"id"`
	ParentID       *int       `json:"parentId,omitempty"`
	Description    string     `json:"description"`
	DetailedNotes  string     `json:"detailedNotes,omitempty"`
	EntityType     string     `json:"entityType"`
	EntityName     string     `json:"fieldPath,omitempty"`
	Type           Type       `json:"type"`
	Status         Status     `json:"status"`
	StudyID        *int       `json:"studyId,omitempty"`
	OwnerID        *int       `json:"ownerId,omitempty"`
	AssignedUserID *int       `json:"assignedUserId,omitempty"`
	ItemDataID     *int       `json:"itemDataId,omitempty"`
	EventCRFID     *int       `json:"eventCrfId,omitempty"`
	StudySubjectID *int       `json:"studySubjectId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	Notes          []*Query   `json:"notes,omitempty"`
}

// DataPoint locates the value a query is raised on. ItemDataID is the most
// precise link; EventCRFID plus FieldPath is the fallback.
type DataPoint struct {
	ItemDataID     *int   `json:"itemDataId,omitempty"`
	EventCRFID     *int   `json:"eventCrfId,omitempty"`
	StudySubjectID *int   `json:"studySubjectId,omitempty"`
	FieldPath      string `json:"fieldPath"`
}

// CreateRequest is the input of CreateOrReuse.
type CreateRequest struct {
	DataPoint
	CRFID            int
	StudyID          *int
	Severity         string
	Type             Type
	Description      string
	DetailedNotes    string
	ReporterID       *int
	AssigneeOverride *int
}

// Result reports the query a failure is tracked by. Created is false when an
// open query already existed on the data point.
type Result struct {
	QueryID int    `json:"queryId"`
	Created bool   `json:"created"`
	Query   *Query `json:"query,omitempty"`
}

type ListFilter struct {
	EventCRFID     *int
	StudySubjectID *int
	AssignedUserID *int
	Status         Status
	OpenOnly       bool
}

// ManualRequest is the body of POST /queries.
type ManualRequest struct {
	ItemDataID     *int   `json:"itemDataId" validate:"omitempty,gt=0"`
	EventCRFID     *int   `json:"eventCrfId" validate:"omitempty,gt=0"`
	StudySubjectID *int   `json:"studySubjectId" validate:"omitempty,gt=0"`
	FieldPath      string `json:"fieldPath" validate:"omitempty,fieldpath"`
	CRFID          int    `json:"crfId" validate:"gte=0"`
	StudyID        *int   `json:"studyId" validate:"omitempty,gt=0"`
	Description    string `json:"description" validate:"required,max=255"`
	DetailedNotes  string `json:"detailedNotes"`
	AssignedUserID *int   `json:"assignedUserId" validate:"omitempty,gt=0"`
}

// TransitionRequest is the body of POST /queries/:id/transitions.
type TransitionRequest struct {
	Status Status `json:"status" validate:"required,oneof=Updated ResolutionProposed Closed NotApplicable"`
	Note   string `json:"note"`
}
