package validation

import "context"

// Repository stores custom rules and answers the form lookups the engine
// needs.
type Repository interface {
	Create(ctx context.Context, r *Rule) error
	GetByID(ctx context.Context, id int) (*Rule, error)
	Update(ctx context.Context, r *Rule) error
	SetActive(ctx context.Context, id int, active bool, userID *int) error
	Delete(ctx context.Context, id int) error
	// ListByForm returns the custom rules of a form, active or not.
	ListByForm(ctx context.Context, crfID int) ([]*Rule, error)

	// FormOrganization returns the owning organization of a form, or nil
	// when the form is unowned or unknown.
	FormOrganization(ctx context.Context, crfID int) (*int, error)
	FormsForStudy(ctx context.Context, studyID int) ([]Form, error)
	AllForms(ctx context.Context) ([]Form, error)
	// FieldIDs maps the names and OIDs of a form's items to item ids.
	FieldIDs(ctx context.Context, crfID int) (FieldIDMap, error)
	// FormInstance loads a form instance with its item data ids, or nil
	// when it does not exist.
	FormInstance(ctx context.Context, eventCRFID int) (*FormInstance, error)
}

// ItemMetadata is a legacy per-item form setting that implies rules.
type ItemMetadata struct {
	ID             int
	ItemID         int
	CRFVersionID   int
	Name           string
	OID            string
	Required       bool
	Regexp         string
	RegexpErrorMsg string
}

// NativeRule is a rule authored in the host platform's rule engine.
type NativeRule struct {
	RuleSetRuleID int
	OID           string
	Name          string
	Description   string
	Target        string
	Expression    string
	EvaluatesTo   bool
	Message       string
}

// LegacySource reads item metadata for a form.
type LegacySource interface {
	ItemMetadata(ctx context.Context, crfID int) ([]ItemMetadata, error)
}

// NativeSource reads native rules for a form and the item names behind
// item OIDs.
type NativeSource interface {
	NativeRules(ctx context.Context, crfID int) ([]NativeRule, error)
	ItemNamesByOID(ctx context.Context) (map[string]string, error)
}
