package query

import (
	"context"

	"github.com/edc/edc/internal/domain/workflowconfig"
	"github.com/edc/edc/internal/platform/notification"
)

type Repository interface {
	// FindOpenByItemData returns the open root query on an item data row,
	// or ErrQueryNotFound.
	FindOpenByItemData(ctx context.Context, itemDataID int) (*Query, error)
	// FindOpenByField returns the open root query raised on fieldPath within
	// a form instance, or ErrQueryNotFound.
	FindOpenByField(ctx context.Context, eventCRFID int, fieldPath string) (*Query, error)
	// Create inserts q and its data point, form instance and subject links.
	Create(ctx context.Context, q *Query) error
	GetByID(ctx context.Context, id int) (*Query, error)
	Notes(ctx context.Context, parentID int) ([]*Query, error)
	UpdateStatus(ctx context.Context, id int, status Status) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Query, int, error)
}

// AssigneeResolver is satisfied by *workflowconfig.Service.
type AssigneeResolver interface {
	ResolveAssignee(ctx context.Context, crfID int, studyID, eventCRFID *int) (*workflowconfig.Assignment, error)
}

// TxRunner is satisfied by *db.TxRunner.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier is satisfied by *notification.Manager.
type Notifier interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}
