package workflowconfig

import "context"

type Repository interface {
	// Get returns the study-specific row for (crfID, studyID) if one exists,
	// else the global row. ErrConfigNotFound when neither exists.
	Get(ctx context.Context, crfID int, studyID *int) (*Config, error)
	Upsert(ctx context.Context, c *Config) error
	// FormIDForInstance resolves the CRF id behind a form instance.
	FormIDForInstance(ctx context.Context, eventCRFID int) (int, error)
}

// UserDirectory resolves usernames and study role assignments to active
// user accounts.
type UserDirectory interface {
	// ActiveUsers returns the enabled accounts among userNames, in the order
	// given. Unknown or disabled names are skipped.
	ActiveUsers(ctx context.Context, userNames []string) ([]User, error)
	// StudyRoles lists active role assignments for a study and its parent.
	StudyRoles(ctx context.Context, studyID int) ([]StudyRole, error)
}
