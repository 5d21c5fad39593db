package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/edc/edc/internal/domain/workflowconfig"
	"github.com/edc/edc/internal/platform/audit"
	"github.com/edc/edc/internal/platform/metrics"
	"github.com/edc/edc/internal/platform/notification"
)

const maxDescription = 255

type Service struct {
	repo     Repository
	tx       TxRunner
	resolver AssigneeResolver
	audit    audit.Recorder
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewService(repo Repository, tx TxRunner, resolver AssigneeResolver) *Service {
	return &Service{repo: repo, tx: tx, resolver: resolver, audit: audit.Nop, logger: zerolog.Nop()}
}

func (s *Service) SetAuditRecorder(r audit.Recorder) {
	if r != nil {
		s.audit = r
	}
}

// SetNotifier enables assignment notifications. A nil notifier disables them.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// CreateOrReuse returns the open root query on req's data point, or creates
// one. The lookup and the insert run in a single read-committed transaction;
// any failure rolls the whole unit back and no query is created.
func (s *Service) CreateOrReuse(ctx context.Context, req CreateRequest) (*Result, error) {
	if req.ItemDataID == nil && (req.EventCRFID == nil || req.FieldPath == "") && req.StudySubjectID == nil {
		return nil, fmt.Errorf("a data point, form instance or subject reference is required")
	}
	if req.Type == "" {
		req.Type = TypeForSeverity(req.Severity)
	}

	var (
		res        Result
		assignment *workflowconfig.Assignment
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.findOpen(ctx, req.DataPoint)
		if err == nil {
			res = Result{QueryID: existing.ID, Query: existing}
			return nil
		}
		if !errors.Is(err, ErrQueryNotFound) {
			return err
		}

		assignee := req.AssigneeOverride
		if assignee == nil && s.resolver != nil {
			a, err := s.resolver.ResolveAssignee(ctx, req.CRFID, req.StudyID, req.EventCRFID)
			if err != nil {
				return fmt.Errorf("resolve assignee: %w", err)
			}
			assignment = a
			assignee = a.PrimaryID()
		}

		q := &Query{
			Description:    truncate(req.Description, maxDescription),
			DetailedNotes:  req.DetailedNotes,
			EntityType:     entityItemData,
			EntityName:     req.FieldPath,
			Type:           req.Type,
			Status:         StatusNew,
			StudyID:        req.StudyID,
			OwnerID:        req.ReporterID,
			AssignedUserID: assignee,
			ItemDataID:     req.ItemDataID,
			EventCRFID:     req.EventCRFID,
			StudySubjectID: req.StudySubjectID,
		}
		if err := s.repo.Create(ctx, q); err != nil {
			return err
		}
		res = Result{QueryID: q.ID, Created: true, Query: q}
		return nil
	})
	if err != nil {
		s.metrics.Query(metrics.QueryFailed)
		return nil, fmt.Errorf("create query: %w", err)
	}
	if !res.Created {
		s.metrics.Query(metrics.QueryReused)
		return &res, nil
	}

	s.metrics.Query(metrics.QueryCreated)
	s.record(ctx, &audit.Event{
		Type:       audit.QueryCreated,
		EntityType: "discrepancy_note",
		EntityID:   res.QueryID,
		EntityName: req.FieldPath,
		NewValue:   audit.Snapshot(res.Query),
		Reason:     res.Query.Description,
		UserID:     req.ReporterID,
	})
	s.notifyAssigned(ctx, res.Query, req, assignment)
	return &res, nil
}

func (s *Service) findOpen(ctx context.Context, dp DataPoint) (*Query, error) {
	if dp.ItemDataID != nil {
		return s.repo.FindOpenByItemData(ctx, *dp.ItemDataID)
	}
	if dp.EventCRFID != nil && dp.FieldPath != "" {
		return s.repo.FindOpenByField(ctx, *dp.EventCRFID, dp.FieldPath)
	}
	return nil, ErrQueryNotFound
}

// Transition moves a root query to status and appends note to its thread.
func (s *Service) Transition(ctx context.Context, id int, to Status, note string, userID *int) (*Query, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	var (
		root *Query
		from Status
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		q, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if q.ParentID != nil {
			return fmt.Errorf("%w: query %d is a thread note", ErrInvalidTransition, id)
		}
		if !CanTransition(q.Status, to) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, q.Status, to)
		}

		description := note
		if description == "" {
			description = fmt.Sprintf("Status changed to %s", to)
		}
		child := &Query{
			ParentID:       &q.ID,
			Description:    truncate(description, maxDescription),
			DetailedNotes:  note,
			EntityType:     q.EntityType,
			EntityName:     q.EntityName,
			Type:           q.Type,
			Status:         to,
			StudyID:        q.StudyID,
			OwnerID:        userID,
			AssignedUserID: q.AssignedUserID,
			ItemDataID:     q.ItemDataID,
			EventCRFID:     q.EventCRFID,
			StudySubjectID: q.StudySubjectID,
		}
		if err := s.repo.Create(ctx, child); err != nil {
			return err
		}
		if err := s.repo.UpdateStatus(ctx, q.ID, to); err != nil {
			return err
		}
		from = q.Status
		q.Status = to
		root = q
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, &audit.Event{
		Type:       audit.QueryTransitioned,
		EntityType: "discrepancy_note",
		EntityID:   root.ID,
		EntityName: root.EntityName,
		OldValue:   string(from),
		NewValue:   string(to),
		Reason:     note,
		UserID:     userID,
	})
	if s.notifier != nil && root.OwnerID != nil {
		s.send(ctx, notification.QueryTransitioned, map[string]string{
			"query_id": strconv.Itoa(root.ID),
			"status":   string(to),
			"note":     note,
			"user":     userRef(userID),
		}, strconv.Itoa(*root.OwnerID))
	}
	return root, nil
}

// Get returns a query with its thread notes.
func (s *Service) Get(ctx context.Context, id int) (*Query, error) {
	q, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.ParentID == nil {
		notes, err := s.repo.Notes(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		q.Notes = notes
	}
	return q, nil
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Query, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("invalid status: %s", f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) record(ctx context.Context, ev *audit.Event) {
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", ev.Type).Int("query_id", ev.EntityID).Msg("failed to record audit event")
	}
}

// notifyAssigned tells the primary assignee and every additional routed user
// about a new query. Delivery failures are logged only.
func (s *Service) notifyAssigned(ctx context.Context, q *Query, req CreateRequest, a *workflowconfig.Assignment) {
	if s.notifier == nil {
		return
	}
	// Recipients are account ids, the same key the event stream subscribes on.
	type recipient struct{ id, name string }
	var recipients []recipient
	if a != nil {
		if a.Primary != nil {
			recipients = append(recipients, recipient{strconv.Itoa(a.Primary.ID), a.Primary.UserName})
		}
		for _, u := range a.Additional {
			recipients = append(recipients, recipient{strconv.Itoa(u.ID), u.UserName})
		}
	} else if q.AssignedUserID != nil {
		id := strconv.Itoa(*q.AssignedUserID)
		recipients = append(recipients, recipient{id, id})
	}

	data := map[string]string{
		"query_id":    strconv.Itoa(q.ID),
		"field":       q.EntityName,
		"description": q.Description,
		"severity":    req.Severity,
		"form":        strconv.Itoa(req.CRFID),
		"subject":     optionalID(q.StudySubjectID),
	}
	for _, r := range recipients {
		data["assignee"] = r.name
		s.send(ctx, notification.QueryAssigned, data, r.id)
	}
}

func (s *Service) send(ctx context.Context, tpl string, data map[string]string, recipient string) {
	payload := make(map[string]string, len(data))
	for k, v := range data {
		payload[k] = v
	}
	if _, err := s.notifier.SendFromTemplate(ctx, tpl, payload, recipient); err != nil {
		s.logger.Warn().Err(err).Str("template", tpl).Str("recipient", recipient).Msg("query notification failed")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func optionalID(id *int) string {
	if id == nil {
		return ""
	}
	return strconv.Itoa(*id)
}

func userRef(id *int) string {
	if id == nil {
		return "A user"
	}
	return "User " + strconv.Itoa(*id)
}
