package workflowconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stoewer/go-strcase"

	"github.com/edc/edc/internal/platform/audit"
)

// rolePriority lists, highest first, the study roles that receive a query
// when the form has no routed users. Names are compared in snake_case.
var rolePriority = [][]string{
	{"study_coordinator", "coordinator"},
	{"clinical_research_coordinator", "crc", "research_coordinator"},
	{"data_manager", "director"},
}

type Service struct {
	repo   Repository
	users  UserDirectory
	audit  audit.Recorder
	logger zerolog.Logger
}

func NewService(repo Repository, users UserDirectory) *Service {
	return &Service{repo: repo, users: users, audit: audit.Nop, logger: zerolog.Nop()}
}

func (s *Service) SetAuditRecorder(r audit.Recorder) {
	if r != nil {
		s.audit = r
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

func (s *Service) Get(ctx context.Context, crfID int, studyID *int) (*Config, error) {
	if crfID <= 0 {
		return nil, fmt.Errorf("crf id is required")
	}
	return s.repo.Get(ctx, crfID, studyID)
}

// Update replaces the configuration for (crfID, req.StudyID). Routed user
// names are trimmed and de-duplicated.
func (s *Service) Update(ctx context.Context, crfID int, req UpdateRequest, userID *int) (*Config, error) {
	if crfID <= 0 {
		return nil, fmt.Errorf("crf id is required")
	}

	var old *Config
	if existing, err := s.repo.Get(ctx, crfID, req.StudyID); err == nil && sameScope(existing.StudyID, req.StudyID) {
		old = existing
	} else if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}

	c := &Config{
		CRFID:             crfID,
		StudyID:           req.StudyID,
		RequiresSDV:       req.RequiresSDV,
		RequiresSignature: req.RequiresSignature,
		RequiresDDE:       req.RequiresDDE,
		QueryRouteToUsers: cleanUserNames(req.QueryRouteToUsers),
		UpdatedBy:         userID,
	}
	if err := s.repo.Upsert(ctx, c); err != nil {
		return nil, err
	}

	ev := &audit.Event{
		Type:       audit.WorkflowConfigUpdated,
		EntityType: "form_workflow_config",
		EntityID:   c.ID,
		NewValue:   audit.Snapshot(c),
		UserID:     userID,
	}
	if old != nil {
		ev.OldValue = audit.Snapshot(old)
	}
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Int("crf_id", crfID).Msg("failed to record workflow config audit event")
	}
	return c, nil
}

// ResolveAssignee decides who receives a query raised on a form. When crfID
// is zero it is looked up from eventCRFID. Routed users from the form's
// workflow configuration win; otherwise the study's role assignments are
// searched by priority. An Assignment with a nil Primary is returned when
// nobody resolves.
func (s *Service) ResolveAssignee(ctx context.Context, crfID int, studyID, eventCRFID *int) (*Assignment, error) {
	if crfID == 0 && eventCRFID != nil {
		id, err := s.repo.FormIDForInstance(ctx, *eventCRFID)
		if err != nil {
			return nil, err
		}
		crfID = id
	}
	a := &Assignment{Source: SourceNone, CRFID: crfID}

	if crfID != 0 {
		cfg, err := s.repo.Get(ctx, crfID, studyID)
		switch {
		case errors.Is(err, ErrConfigNotFound):
		case err != nil:
			return nil, err
		case len(cfg.QueryRouteToUsers) > 0:
			users, err := s.users.ActiveUsers(ctx, cfg.QueryRouteToUsers)
			if err != nil {
				return nil, err
			}
			if len(users) > 0 {
				a.Primary = &users[0]
				a.Additional = users[1:]
				a.Source = SourceConfig
				return a, nil
			}
			s.logger.Warn().Int("crf_id", crfID).Strs("users", cfg.QueryRouteToUsers).
				Msg("no routed query user is active, falling back to study roles")
		}
	}

	if studyID == nil {
		return a, nil
	}
	roles, err := s.users.StudyRoles(ctx, *studyID)
	if err != nil {
		return nil, err
	}
	if u := pickByRole(roles); u != nil {
		a.Primary = u
		a.Source = SourceRole
	}
	return a, nil
}

// pickByRole returns the first user holding the highest-priority role, or
// the first active study user when no prioritized role is present.
func pickByRole(roles []StudyRole) *User {
	if len(roles) == 0 {
		return nil
	}
	for _, tier := range rolePriority {
		for _, sr := range roles {
			name := strcase.SnakeCase(sr.Role)
			for _, want := range tier {
				if name == want {
					u := sr.User
					return &u
				}
			}
		}
	}
	u := roles[0].User
	return &u
}

func cleanUserNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func sameScope(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
