// Package validation holds form validation rules and the engine that applies
// them to submitted form data, raising data queries for failures.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrRuleNotFound   = errors.New("validation rule not found")
	ErrFormOutOfScope = errors.New("form is outside the caller's organization")
)

// Kind is the closed set of rule kinds. Evaluator.Apply switches over every
// member; a value outside the set is a configuration error.
type Kind string

const (
	KindRequired      Kind = "required"
	KindRange         Kind = "range"
	KindFormat        Kind = "format"
	KindConsistency   Kind = "consistency"
	KindBusinessLogic Kind = "business_logic"
	KindCrossForm     Kind = "cross_form"
	KindFormula       Kind = "formula"
)

var Kinds = []Kind{KindRequired, KindRange, KindFormat, KindConsistency, KindBusinessLogic, KindCrossForm, KindFormula}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Source records where a rule came from. Only custom rules have an id and
// can be managed through the API.
type Source string

const (
	SourceCustom Source = "custom"
	SourceLegacy Source = "legacy"
	SourceNative Source = "native"
)

// Bound is a range limit: a number or an ISO date. Empty means unbounded.
// It accepts either a JSON number or a JSON string.
type Bound string

func (b *Bound) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*b = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*b = Bound(strings.TrimSpace(str))
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("bound must be a number or string, got %s", s)
	}
	*b = Bound(s)
	return nil
}

// Rule is a single declarative check on one form field.
type Rule struct {
	ID               int        `json:"id"`
	CRFID            int        `json:"crfId"`
	CRFVersionID     *int       `json:"crfVersionId,omitempty"`
	ItemID           *int       `json:"itemId,omitempty"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Kind             Kind       `json:"ruleType"`
	FieldPath        string     `json:"fieldPath"`
	Severity         Severity   `json:"severity"`
	ErrorMessage     string     `json:"errorMessage"`
	WarningMessage   string     `json:"warningMessage,omitempty"`
	Active           bool       `json:"active"`
	MinValue         Bound      `json:"minValue,omitempty"`
	MaxValue         Bound      `json:"maxValue,omitempty"`
	Pattern          string     `json:"pattern,omitempty"`
	FormatType       string     `json:"formatType,omitempty"`
	Operator         string     `json:"operator,omitempty"`
	CompareFieldPath string     `json:"compareFieldPath,omitempty"`
	CustomExpression string     `json:"customExpression,omitempty"`
	Source           Source     `json:"source"`
	SourceRef        string     `json:"sourceRef,omitempty"`
	CreatedBy        *int       `json:"createdBy,omitempty"`
	UpdatedBy        *int       `json:"updatedBy,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty"`
}

// Message is the text reported when the rule fails.
func (r *Rule) Message() string {
	if r.Severity == SeverityWarning && r.WarningMessage != "" {
		return r.WarningMessage
	}
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return fmt.Sprintf("%s failed %s validation", r.FieldPath, r.Kind)
}

func (r *Rule) key() string {
	return strings.ToLower(r.FieldPath) + "|" + string(r.Kind)
}

// RuleInput is the create/update body of the management API.
type RuleInput struct {
	CRFID            int      `json:"crfId" validate:"gte=0"`
	CRFVersionID     *int     `json:"crfVersionId" validate:"omitempty,gt=0"`
	ItemID           *int     `json:"itemId" validate:"omitempty,gt=0"`
	Name             string   `json:"name" validate:"max=255"`
	Description      string   `json:"description"`
	Kind             Kind     `json:"ruleType" validate:"required,oneof=required range format consistency business_logic cross_form formula"`
	FieldPath        string   `json:"fieldPath" validate:"required,fieldpath,max=255"`
	Severity         Severity `json:"severity" validate:"omitempty,oneof=error warning"`
	ErrorMessage     string   `json:"errorMessage"`
	WarningMessage   string   `json:"warningMessage"`
	MinValue         Bound    `json:"minValue"`
	MaxValue         Bound    `json:"maxValue"`
	Pattern          string   `json:"pattern"`
	FormatType       string   `json:"formatType" validate:"max=64"`
	Operator         string   `json:"operator" validate:"omitempty,oneof=== === != !== > < >= <="`
	CompareFieldPath string   `json:"compareFieldPath" validate:"omitempty,fieldpath"`
	CustomExpression string   `json:"customExpression"`
	Active           *bool    `json:"active"`
}

// toRule builds a custom rule from the input.
func (in *RuleInput) toRule() *Rule {
	r := &Rule{
		CRFID:            in.CRFID,
		CRFVersionID:     in.CRFVersionID,
		ItemID:           in.ItemID,
		Name:             strings.TrimSpace(in.Name),
		Description:      in.Description,
		Kind:             in.Kind,
		FieldPath:        strings.TrimSpace(in.FieldPath),
		Severity:         in.Severity,
		ErrorMessage:     in.ErrorMessage,
		WarningMessage:   in.WarningMessage,
		Active:           true,
		MinValue:         in.MinValue,
		MaxValue:         in.MaxValue,
		Pattern:          in.Pattern,
		FormatType:       strings.TrimSpace(in.FormatType),
		Operator:         in.Operator,
		CompareFieldPath: strings.TrimSpace(in.CompareFieldPath),
		CustomExpression: strings.TrimSpace(in.CustomExpression),
		Source:           SourceCustom,
	}
	if in.Active != nil {
		r.Active = *in.Active
	}
	if r.Severity == "" {
		r.Severity = SeverityError
	}
	if r.Name == "" {
		r.Name = fmt.Sprintf("%s %s", r.FieldPath, r.Kind)
	}
	return r
}

// Form is a CRF as listed for a study.
type Form struct {
	ID             int    `json:"crfId"`
	Name           string `json:"name"`
	OID            string `json:"oid,omitempty"`
	OrganizationID *int   `json:"organizationId,omitempty"`
}

// FormRules groups the rules of one form.
type FormRules struct {
	Form  Form    `json:"form"`
	Rules []*Rule `json:"rules"`
}

// StudyRules is the study listing. Fallback is set when the study had no
// rules and every available form was listed instead.
type StudyRules struct {
	StudyID  int          `json:"studyId"`
	Fallback bool         `json:"fallback"`
	Forms    []*FormRules `json:"forms"`
}

// FormInstance is a per-subject copy of a form with its stored item data.
type FormInstance struct {
	ID             int
	CRFID          int
	StudySubjectID *int
	StudyID        *int
	// ItemData maps item id to the item_data row holding its value.
	ItemData map[int]int
}

// ValidateRequest is the input of a full-form validation pass.
type ValidateRequest struct {
	CRFID         int                    `json:"-"`
	FormData      map[string]interface{} `json:"formData" validate:"required"`
	EventCRFID    *int                   `json:"eventCrfId" validate:"omitempty,gt=0"`
	StudyID       *int                   `json:"studyId" validate:"omitempty,gt=0"`
	CreateQueries *bool                  `json:"createQueries"`
}

// FieldChangeRequest validates a single edited field.
type FieldChangeRequest struct {
	CRFID         int                    `json:"crfId" validate:"required,gt=0"`
	FieldPath     string                 `json:"fieldPath" validate:"required,fieldpath"`
	Value         interface{}            `json:"value"`
	FormData      map[string]interface{} `json:"formData"`
	EventCRFID    *int                   `json:"eventCrfId" validate:"omitempty,gt=0"`
	ItemDataID    *int                   `json:"itemDataId" validate:"omitempty,gt=0"`
	StudyID       *int                   `json:"studyId" validate:"omitempty,gt=0"`
	CreateQueries *bool                  `json:"createQueries"`
}

// TestRequest evaluates a rule definition against a sample value without
// touching stored data.
type TestRequest struct {
	Rule     RuleInput              `json:"rule"`
	Value    interface{}            `json:"value"`
	FormData map[string]interface{} `json:"formData"`
}

type TestResult struct {
	Valid       bool   `json:"valid"`
	Message     string `json:"message,omitempty"`
	ConfigError string `json:"configError,omitempty"`
	Matched     bool   `json:"matched"`
	MatchedKey  string `json:"matchedKey,omitempty"`
}

// FieldError is one failed rule in a validation result.
type FieldError struct {
	RuleID    int         `json:"ruleId,omitempty"`
	RuleName  string      `json:"ruleName"`
	Source    Source      `json:"source"`
	FieldPath string      `json:"fieldPath"`
	Kind      Kind        `json:"ruleType"`
	Severity  Severity    `json:"severity"`
	Message   string      `json:"message"`
	Value     interface{} `json:"value,omitempty"`
	QueryID   *int        `json:"queryId,omitempty"`
}

// Result is the outcome of a validation pass. Warnings never make it invalid.
type Result struct {
	Valid          bool          `json:"valid"`
	Errors         []*FieldError `json:"errors"`
	Warnings       []*FieldError `json:"warnings"`
	QueriesCreated int           `json:"queriesCreated"`
	RulesEvaluated int           `json:"rulesEvaluated"`
}

// ScopePolicy decides what a caller sees for a form owned by another
// organization.
type ScopePolicy string

const (
	ScopeHide ScopePolicy = "hide"
	ScopeDeny ScopePolicy = "deny"
)
