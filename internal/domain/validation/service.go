package validation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edc/edc/internal/domain/query"
	"github.com/edc/edc/internal/platform/audit"
	"github.com/edc/edc/internal/platform/auth"
	"github.com/edc/edc/internal/platform/formats"
	"github.com/edc/edc/internal/platform/metrics"
)

// Validation modes as reported in metrics.
const (
	modeForm  = "form"
	modeField = "field"
	modeTest  = "test"
)

// QueryCreator raises or reuses the query tracking a failed value.
type QueryCreator interface {
	CreateOrReuse(ctx context.Context, req query.CreateRequest) (*query.Result, error)
}

type Options struct {
	ScopePolicy ScopePolicy
	// CreateQueriesByDefault applies when a request does not say whether
	// failures should raise queries.
	CreateQueriesByDefault bool
}

type Service struct {
	repo    Repository
	loader  *Loader
	eval    *Evaluator
	queries QueryCreator
	opts    Options
	audit   audit.Recorder
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewService(repo Repository, loader *Loader, eval *Evaluator, queries QueryCreator, opts Options) *Service {
	if opts.ScopePolicy == "" {
		opts.ScopePolicy = ScopeHide
	}
	return &Service{repo: repo, loader: loader, eval: eval, queries: queries, opts: opts,
		audit: audit.Nop, logger: zerolog.Nop()}
}

func (s *Service) SetAuditRecorder(r audit.Recorder) {
	if r != nil {
		s.audit = r
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// Formats lists the registered value formats.
func (s *Service) Formats() []formats.Format {
	return s.eval.Formats().List()
}

// inScope reports whether the caller's organization may see the form. An
// empty caller organization or an unowned form disables scoping.
func (s *Service) inScope(ctx context.Context, crfID int) (bool, error) {
	org := auth.OrgFromContext(ctx)
	if org == "" {
		return true, nil
	}
	owner, err := s.repo.FormOrganization(ctx, crfID)
	if err != nil {
		return false, err
	}
	return owner == nil || strconv.Itoa(*owner) == org, nil
}

// scopedRules loads the rules of a form the caller may see. Under the hide
// policy a foreign form yields no rules; under deny it is an error.
func (s *Service) scopedRules(ctx context.Context, crfID int) ([]*Rule, error) {
	ok, err := s.inScope(ctx, crfID)
	if err != nil {
		return nil, fmt.Errorf("check organization scope: %w", err)
	}
	if !ok {
		if s.opts.ScopePolicy == ScopeDeny {
			return nil, ErrFormOutOfScope
		}
		return []*Rule{}, nil
	}
	return s.loader.RulesForForm(ctx, crfID)
}

// requireScope guards writes, which are refused regardless of policy.
func (s *Service) requireScope(ctx context.Context, crfID int) error {
	ok, err := s.inScope(ctx, crfID)
	if err != nil {
		return fmt.Errorf("check organization scope: %w", err)
	}
	if !ok {
		return ErrFormOutOfScope
	}
	return nil
}

func (s *Service) ListRulesForForm(ctx context.Context, crfID int) ([]*Rule, error) {
	return s.scopedRules(ctx, crfID)
}

// ListRulesForStudy lists the rules of every form of a study. When none of
// them has a rule, every available form is listed instead.
func (s *Service) ListRulesForStudy(ctx context.Context, studyID int) (*StudyRules, error) {
	forms, err := s.repo.FormsForStudy(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("list study forms: %w", err)
	}
	out := &StudyRules{StudyID: studyID}
	total := 0
	if out.Forms, total, err = s.formRules(ctx, forms); err != nil {
		return nil, err
	}
	if total > 0 {
		return out, nil
	}

	all, err := s.repo.AllForms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	out.Fallback = true
	if out.Forms, _, err = s.formRules(ctx, all); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) formRules(ctx context.Context, forms []Form) ([]*FormRules, int, error) {
	out := make([]*FormRules, 0, len(forms))
	total := 0
	for _, f := range forms {
		rules, err := s.scopedRules(ctx, f.ID)
		if errors.Is(err, ErrFormOutOfScope) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("rules for form %d: %w", f.ID, err)
		}
		total += len(rules)
		out = append(out, &FormRules{Form: f, Rules: rules})
	}
	return out, total, nil
}

// validationPass is the state of one validation run over a form.
type validationPass struct {
	crfID         int
	data          map[string]interface{}
	ids           FieldIDMap
	instance      *FormInstance
	studyID       *int
	itemDataID    *int
	createQueries bool
}

// ValidateFormData runs every active rule of the form against the
// submitted data.
func (s *Service) ValidateFormData(ctx context.Context, req ValidateRequest) (*Result, error) {
	s.metrics.ValidationRun(modeForm)
	rules, err := s.scopedRules(ctx, req.CRFID)
	if err != nil {
		return nil, err
	}
	p, err := s.newPass(ctx, req.CRFID, req.FormData, req.EventCRFID, req.StudyID, req.CreateQueries)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, p, rules), nil
}

// ValidateFieldChange runs only the rules that target the edited field. The
// rest of the form is still visible to consistency and formula rules.
func (s *Service) ValidateFieldChange(ctx context.Context, req FieldChangeRequest) (*Result, error) {
	s.metrics.ValidationRun(modeField)
	rules, err := s.scopedRules(ctx, req.CRFID)
	if err != nil {
		return nil, err
	}

	data := make(map[string]interface{}, len(req.FormData)+1)
	for k, v := range req.FormData {
		if strings.EqualFold(k, req.FieldPath) {
			continue
		}
		data[k] = v
	}
	data[req.FieldPath] = req.Value

	p, err := s.newPass(ctx, req.CRFID, data, req.EventCRFID, req.StudyID, req.CreateQueries)
	if err != nil {
		return nil, err
	}
	p.itemDataID = req.ItemDataID

	edited := map[string]interface{}{req.FieldPath: req.Value}
	editedID, hasID := p.ids.Lookup(req.FieldPath)
	var targeted []*Rule
	for _, r := range rules {
		if _, ok := Resolve(edited, refOf(r), p.ids); ok {
			targeted = append(targeted, r)
			continue
		}
		if hasID && r.ItemID != nil && *r.ItemID == editedID {
			targeted = append(targeted, r)
		}
	}
	return s.run(ctx, p, targeted), nil
}

func (s *Service) newPass(ctx context.Context, crfID int, data map[string]interface{}, eventCRFID, studyID *int, createQueries *bool) (*validationPass, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	ids, err := s.repo.FieldIDs(ctx, crfID)
	if err != nil {
		return nil, fmt.Errorf("load field ids: %w", err)
	}
	p := &validationPass{
		crfID:         crfID,
		data:          data,
		ids:           ids,
		studyID:       studyID,
		createQueries: s.opts.CreateQueriesByDefault,
	}
	if createQueries != nil {
		p.createQueries = *createQueries
	}
	if eventCRFID != nil {
		inst, err := s.repo.FormInstance(ctx, *eventCRFID)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			s.logger.Debug().Int("event_crf_id", *eventCRFID).Msg("form instance not found, queries disabled")
		}
		p.instance = inst
		if p.studyID == nil && inst != nil {
			p.studyID = inst.StudyID
		}
	}
	return p, nil
}

func (s *Service) run(ctx context.Context, p *validationPass, rules []*Rule) *Result {
	res := &Result{Errors: []*FieldError{}, Warnings: []*FieldError{}}
	for _, r := range rules {
		if !r.Active {
			continue
		}
		m, found := Resolve(p.data, refOf(r), p.ids)
		if !found {
			// An unsubmitted field is only judged by required rules, and
			// only when the form is known to have it.
			if r.Kind != KindRequired || !knownField(r, p.ids) {
				continue
			}
			m = Match{Value: missing}
		}
		res.RulesEvaluated++
		if s.eval.Apply(r, m.Value, p.data, p.ids).Valid {
			continue
		}

		fe := &FieldError{
			RuleID:    r.ID,
			RuleName:  r.Name,
			Source:    r.Source,
			FieldPath: r.FieldPath,
			Kind:      r.Kind,
			Severity:  r.Severity,
			Message:   r.Message(),
			Value:     m.Value.Interface(),
		}
		s.metrics.RuleFailure(string(r.Kind), string(r.Severity))
		if p.createQueries {
			if qr := s.raiseQuery(ctx, p, r, m, fe); qr != nil {
				fe.QueryID = &qr.QueryID
				if qr.Created {
					res.QueriesCreated++
				}
			}
		}
		if r.Severity == SeverityWarning {
			res.Warnings = append(res.Warnings, fe)
		} else {
			res.Errors = append(res.Errors, fe)
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

func knownField(r *Rule, ids FieldIDMap) bool {
	if r.ItemID != nil && ids.Has(*r.ItemID) {
		return true
	}
	if _, ok := ids.Lookup(r.FieldPath); ok {
		return true
	}
	_, ok := ids.Lookup(lastSegment(r.FieldPath))
	return ok
}

// itemID finds the item a failed rule points at: the rule's own item, then
// the rule path, then the payload key that matched.
func itemID(r *Rule, m Match, ids FieldIDMap) (int, bool) {
	if r.ItemID != nil {
		return *r.ItemID, true
	}
	for _, name := range []string{r.FieldPath, lastSegment(r.FieldPath), m.Key} {
		if name == "" {
			continue
		}
		if id, ok := ids.Lookup(name); ok {
			return id, true
		}
	}
	return 0, false
}

// raiseQuery records a failure against its data point. Without a stored
// form instance there is no data point and no query. A failed create is
// logged and leaves the field error without a query id.
func (s *Service) raiseQuery(ctx context.Context, p *validationPass, r *Rule, m Match, fe *FieldError) *query.Result {
	if s.queries == nil || p.instance == nil {
		return nil
	}
	dp := query.DataPoint{
		EventCRFID:     &p.instance.ID,
		StudySubjectID: p.instance.StudySubjectID,
		FieldPath:      r.FieldPath,
	}
	if p.itemDataID != nil {
		dp.ItemDataID = p.itemDataID
	} else if id, ok := itemID(r, m, p.ids); ok {
		if itemDataID, ok := p.instance.ItemData[id]; ok {
			dp.ItemDataID = &itemDataID
		}
	}

	res, err := s.queries.CreateOrReuse(ctx, query.CreateRequest{
		DataPoint:     dp,
		CRFID:         p.crfID,
		StudyID:       p.studyID,
		Severity:      string(r.Severity),
		Description:   fe.Message,
		DetailedNotes: fmt.Sprintf("Rule %q (%s) failed for value %q", r.Name, r.Kind, m.Value.Text()),
		ReporterID:    auth.AccountIDFromContext(ctx),
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Int("rule_id", r.ID).
			Str("field_path", r.FieldPath).
			Int("event_crf_id", p.instance.ID).
			Msg("query not created")
		return nil
	}
	return res
}

// TestRule applies a rule definition to a sample value. Definition problems
// are reported in the result rather than as an error.
func (s *Service) TestRule(ctx context.Context, req TestRequest) (*TestResult, error) {
	s.metrics.ValidationRun(modeTest)
	rule := req.Rule.toRule()
	res := &TestResult{}
	if err := s.eval.Check(rule); err != nil {
		res.ConfigError = err.Error()
	}

	data := make(map[string]interface{}, len(req.FormData)+1)
	for k, v := range req.FormData {
		data[k] = v
	}
	v := missing
	if req.Value != nil {
		v = ValueOf(req.Value)
		res.Matched, res.MatchedKey = true, rule.FieldPath
		if _, ok := data[rule.FieldPath]; !ok {
			data[rule.FieldPath] = req.Value
		}
	} else if m, ok := Resolve(data, refOf(rule), nil); ok {
		v = m.Value
		res.Matched, res.MatchedKey = true, m.Key
	}

	verdict := s.eval.Apply(rule, v, data, nil)
	res.Valid = verdict.Valid
	if verdict.ConfigErr != nil && res.ConfigError == "" {
		res.ConfigError = verdict.ConfigErr.Error()
	}
	if !verdict.Valid {
		res.Message = rule.Message()
	}
	return res, nil
}

func (s *Service) GetRule(ctx context.Context, id int) (*Rule, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireScope(ctx, r.CRFID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) CreateRule(ctx context.Context, in RuleInput, userID *int) (*Rule, error) {
	r := in.toRule()
	if r.CRFID <= 0 {
		return nil, invalidRule("crfId is required")
	}
	if err := s.eval.Check(r); err != nil {
		return nil, err
	}
	if err := s.requireScope(ctx, r.CRFID); err != nil {
		return nil, err
	}
	r.CreatedBy = userID
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	s.record(ctx, &audit.Event{
		Type:       audit.RuleCreated,
		EntityType: "validation_rule",
		EntityID:   r.ID,
		EntityName: r.Name,
		NewValue:   audit.Snapshot(r),
		UserID:     userID,
	})
	return r, nil
}

func (s *Service) UpdateRule(ctx context.Context, id int, in RuleInput, userID *int) (*Rule, error) {
	old, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	r := in.toRule()
	if r.CRFID <= 0 {
		r.CRFID = old.CRFID
	}
	if in.Active == nil {
		r.Active = old.Active
	}
	if err := s.eval.Check(r); err != nil {
		return nil, err
	}
	if r.CRFID != old.CRFID {
		if err := s.requireScope(ctx, r.CRFID); err != nil {
			return nil, err
		}
	}
	r.ID, r.CreatedBy, r.CreatedAt, r.UpdatedBy = id, old.CreatedBy, old.CreatedAt, userID
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, err
	}
	updated, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, &audit.Event{
		Type:       audit.RuleUpdated,
		EntityType: "validation_rule",
		EntityID:   id,
		EntityName: updated.Name,
		OldValue:   audit.Snapshot(old),
		NewValue:   audit.Snapshot(updated),
		UserID:     userID,
	})
	return updated, nil
}

// ToggleRule sets the active flag, or flips it when active is nil.
func (s *Service) ToggleRule(ctx context.Context, id int, active *bool, userID *int) (*Rule, error) {
	old, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	next := !old.Active
	if active != nil {
		next = *active
	}
	if err := s.repo.SetActive(ctx, id, next, userID); err != nil {
		return nil, err
	}
	updated, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, &audit.Event{
		Type:       audit.RuleToggled,
		EntityType: "validation_rule",
		EntityID:   id,
		EntityName: updated.Name,
		OldValue:   strconv.FormatBool(old.Active),
		NewValue:   strconv.FormatBool(updated.Active),
		UserID:     userID,
	})
	return updated, nil
}

func (s *Service) DeleteRule(ctx context.Context, id int, userID *int) error {
	old, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, &audit.Event{
		Type:       audit.RuleDeleted,
		EntityType: "validation_rule",
		EntityID:   id,
		EntityName: old.Name,
		OldValue:   audit.Snapshot(old),
		UserID:     userID,
	})
	return nil
}

func (s *Service) record(ctx context.Context, ev *audit.Event) {
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", ev.Type).Int("rule_id", ev.EntityID).Msg("failed to record audit event")
	}
}
