package validation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edc/edc/internal/domain/query"
	"github.com/edc/edc/internal/domain/workflowconfig"
	"github.com/edc/edc/internal/platform/audit"
	"github.com/edc/edc/internal/platform/auth"
	"github.com/edc/edc/internal/platform/db"
	"github.com/edc/edc/internal/platform/metrics"
)

// ── Mocks ──

type mockRepo struct {
	rules      map[int]*Rule
	nextID     int
	orgs       map[int]int
	studyForms map[int][]Form
	forms      []Form
	fieldIDs   map[int]FieldIDMap
	instances  map[int]*FormInstance
	orgErr     error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		rules:      make(map[int]*Rule),
		orgs:       make(map[int]int),
		studyForms: make(map[int][]Form),
		fieldIDs:   make(map[int]FieldIDMap),
		instances:  make(map[int]*FormInstance),
	}
}

func (m *mockRepo) Create(_ context.Context, r *Rule) error {
	m.nextID++
	r.ID = m.nextID
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id int) (*Rule, error) {
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, r *Rule) error {
	if _, ok := m.rules[r.ID]; !ok {
		return ErrRuleNotFound
	}
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *mockRepo) SetActive(_ context.Context, id int, active bool, userID *int) error {
	r, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.Active, r.UpdatedBy = active, userID
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id int) error {
	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *mockRepo) ListByForm(_ context.Context, crfID int) ([]*Rule, error) {
	var out []*Rule
	for _, r := range m.rules {
		if r.CRFID == crfID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepo) FormOrganization(_ context.Context, crfID int) (*int, error) {
	if m.orgErr != nil {
		return nil, m.orgErr
	}
	if org, ok := m.orgs[crfID]; ok {
		return &org, nil
	}
	return nil, nil
}

func (m *mockRepo) FormsForStudy(_ context.Context, studyID int) ([]Form, error) {
	return m.studyForms[studyID], nil
}

func (m *mockRepo) AllForms(context.Context) ([]Form, error) {
	return m.forms, nil
}

func (m *mockRepo) FieldIDs(_ context.Context, crfID int) (FieldIDMap, error) {
	return m.fieldIDs[crfID], nil
}

func (m *mockRepo) FormInstance(_ context.Context, eventCRFID int) (*FormInstance, error) {
	return m.instances[eventCRFID], nil
}

type mockLegacy struct {
	metas map[int][]ItemMetadata
	calls int
}

func (m *mockLegacy) ItemMetadata(_ context.Context, crfID int) ([]ItemMetadata, error) {
	m.calls++
	return m.metas[crfID], nil
}

type mockNative struct {
	rules map[int][]NativeRule
	names map[string]string
}

func (m *mockNative) NativeRules(_ context.Context, crfID int) ([]NativeRule, error) {
	return m.rules[crfID], nil
}

func (m *mockNative) ItemNamesByOID(context.Context) (map[string]string, error) {
	return m.names, nil
}

// queryStore is an in-memory query repository.
type queryStore struct {
	data      map[int]*query.Query
	nextID    int
	createErr error
}

func (s *queryStore) open(match func(q *query.Query) bool) (*query.Query, error) {
	for id := 1; id <= s.nextID; id++ {
		q, ok := s.data[id]
		if ok && q.ParentID == nil && !q.Status.Terminal() && match(q) {
			return q, nil
		}
	}
	return nil, query.ErrQueryNotFound
}

func (s *queryStore) FindOpenByItemData(_ context.Context, itemDataID int) (*query.Query, error) {
	return s.open(func(q *query.Query) bool { return q.ItemDataID != nil && *q.ItemDataID == itemDataID })
}

func (s *queryStore) FindOpenByField(_ context.Context, eventCRFID int, fieldPath string) (*query.Query, error) {
	return s.open(func(q *query.Query) bool {
		return q.EventCRFID != nil && *q.EventCRFID == eventCRFID && strings.EqualFold(q.EntityName, fieldPath)
	})
}

func (s *queryStore) Create(_ context.Context, q *query.Query) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.nextID++
	q.ID = s.nextID
	s.data[q.ID] = q
	return nil
}

func (s *queryStore) GetByID(_ context.Context, id int) (*query.Query, error) {
	if q, ok := s.data[id]; ok {
		return q, nil
	}
	return nil, query.ErrQueryNotFound
}

func (s *queryStore) Notes(context.Context, int) ([]*query.Query, error) { return nil, nil }

func (s *queryStore) UpdateStatus(_ context.Context, id int, status query.Status) error {
	q, ok := s.data[id]
	if !ok {
		return query.ErrQueryNotFound
	}
	q.Status = status
	return nil
}

func (s *queryStore) List(context.Context, query.ListFilter, int, int) ([]*query.Query, int, error) {
	return nil, 0, nil
}

type directTx struct{}

func (directTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type configStore struct{ cfg map[int]*workflowconfig.Config }

func (c *configStore) Get(_ context.Context, crfID int, _ *int) (*workflowconfig.Config, error) {
	if cfg, ok := c.cfg[crfID]; ok {
		return cfg, nil
	}
	return nil, workflowconfig.ErrConfigNotFound
}

func (c *configStore) Upsert(_ context.Context, cfg *workflowconfig.Config) error {
	c.cfg[cfg.CRFID] = cfg
	return nil
}

func (c *configStore) FormIDForInstance(context.Context, int) (int, error) { return 3, nil }

type userDirectory struct{ users map[string]workflowconfig.User }

func (d *userDirectory) ActiveUsers(_ context.Context, names []string) ([]workflowconfig.User, error) {
	var out []workflowconfig.User
	for _, n := range names {
		if u, ok := d.users[n]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *userDirectory) StudyRoles(context.Context, int) ([]workflowconfig.StudyRole, error) {
	return nil, nil
}

// ── Fixture ──

type fixture struct {
	svc     *Service
	repo    *mockRepo
	queries *queryStore
	audit   *audit.MemoryRecorder
	reg     *prometheus.Registry
}

// newFixture sets up form 3 with an age range rule and a weight required
// warning. Form instance 100 stores age in item data 500. Queries on form 3
// are routed to alice.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	repo := newMockRepo()
	repo.fieldIDs[3] = FieldIDMap{"age": 5, "weight": 6, "i_demo_age": 5}
	repo.instances[100] = &FormInstance{
		ID: 100, CRFID: 3, StudySubjectID: intPtr(40), StudyID: intPtr(9),
		ItemData: map[int]int{5: 500, 6: 600},
	}
	repo.forms = []Form{{ID: 3, Name: "Demographics"}, {ID: 4, Name: "Vitals"}}
	repo.studyForms[9] = []Form{{ID: 4, Name: "Vitals"}}
	repo.rules[1] = &Rule{ID: 1, CRFID: 3, Name: "Age range", Kind: KindRange, FieldPath: "demographics.age",
		Severity: SeverityError, ErrorMessage: "Age must be between 18 and 120", Active: true, MinValue: "18", MaxValue: "120"}
	repo.rules[2] = &Rule{ID: 2, CRFID: 3, Name: "Weight required", Kind: KindRequired, FieldPath: "weight",
		Severity: SeverityWarning, WarningMessage: "Weight is missing", Active: true}
	repo.nextID = 2

	wf := workflowconfig.NewService(
		&configStore{cfg: map[int]*workflowconfig.Config{3: {CRFID: 3, QueryRouteToUsers: []string{"alice", "bob"}}}},
		&userDirectory{users: map[string]workflowconfig.User{
			"alice": {ID: 11, UserName: "alice"},
			"bob":   {ID: 12, UserName: "bob"},
		}},
	)
	queries := &queryStore{data: make(map[int]*query.Query)}
	qsvc := query.NewService(queries, directTx{}, wf)

	eval := newTestEvaluator(t, true)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	eval.SetMetrics(m)

	rec := &audit.MemoryRecorder{}
	svc := NewService(repo, NewLoader(repo, nil, nil, db.Capabilities{}), eval, qsvc, opts)
	svc.SetAuditRecorder(rec)
	svc.SetMetrics(m)
	return &fixture{svc: svc, repo: repo, queries: queries, audit: rec, reg: reg}
}

func withOrg(org string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{Subject: "u", AccountID: 21, OrgID: org, Roles: []string{auth.RoleDataManager}})
}

func boolPtr(b bool) *bool { return &b }

// ── Validation ──

func TestValidateFormData_RaisesQueryOnceAndRoutesIt(t *testing.T) {
	f := newFixture(t, Options{})
	req := ValidateRequest{
		CRFID:         3,
		FormData:      map[string]interface{}{"age": "15", "weight": "70"},
		EventCRFID:    intPtr(100),
		CreateQueries: boolPtr(true),
	}

	res, err := f.svc.ValidateFormData(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, res.QueriesCreated)
	assert.Equal(t, 2, res.RulesEvaluated)

	fe := res.Errors[0]
	assert.Equal(t, "Age must be between 18 and 120", fe.Message)
	assert.Equal(t, "15", fe.Value)
	require.NotNil(t, fe.QueryID)

	q := f.queries.data[*fe.QueryID]
	require.NotNil(t, q)
	require.NotNil(t, q.ItemDataID)
	assert.Equal(t, 500, *q.ItemDataID)
	require.NotNil(t, q.AssignedUserID)
	assert.Equal(t, 11, *q.AssignedUserID, "routed to alice")
	assert.Equal(t, query.TypeFailedValidation, q.Type)
	require.NotNil(t, q.StudyID)
	assert.Equal(t, 9, *q.StudyID)

	again, err := f.svc.ValidateFormData(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, again.Errors, 1)
	assert.Equal(t, 0, again.QueriesCreated)
	assert.Equal(t, *fe.QueryID, *again.Errors[0].QueryID)
	assert.Len(t, f.queries.data, 1)
}

func TestValidateFormData_NoQueriesByDefault(t *testing.T) {
	f := newFixture(t, Options{})
	res, err := f.svc.ValidateFormData(context.Background(), ValidateRequest{
		CRFID: 3, FormData: map[string]interface{}{"age": "15", "weight": "70"}, EventCRFID: intPtr(100),
	})
	require.NoError(t, err)
	assert.Len(t, res.Errors, 1)
	assert.Nil(t, res.Errors[0].QueryID)
	assert.Empty(t, f.queries.data)

	f = newFixture(t, Options{CreateQueriesByDefault: true})
	res, err = f.svc.ValidateFormData(context.Background(), ValidateRequest{
		CRFID: 3, FormData: map[string]interface{}{"age": "15", "weight": "70"}, EventCRFID: intPtr(100),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.QueriesCreated)
}

func TestValidateFormData_QueryFailureKeepsError(t *testing.T) {
	f := newFixture(t, Options{CreateQueriesByDefault: true})
	f.queries.createErr = errors.New("insert failed")

	res, err := f.svc.ValidateFormData(context.Background(), ValidateRequest{
		CRFID: 3, FormData: map[string]interface{}{"age": "200", "weight": "70"}, EventCRFID: intPtr(100),
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Nil(t, res.Errors[0].QueryID)
	assert.Equal(t, 0, res.QueriesCreated)
}

func TestValidateFormData_NoInstanceNoQuery(t *testing.T) {
	f := newFixture(t, Options{CreateQueriesByDefault: true})
	res, err := f.svc.ValidateFormData(context.Background(), ValidateRequest{
		CRFID: 3, FormData: map[string]interface{}{"age": "15"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Errors, 1)
	assert.Empty(t, f.queries.data)
}

func TestValidateFormData_RequiredOnUnsubmittedKnownField(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.rules[3] = &Rule{ID: 3, CRFID: 3, Name: "Height", Kind: KindRequired, FieldPath: "height",
		Severity: SeverityError, Active: true}

	res, err := f.svc.ValidateFormData(context.Background(), ValidateRequest{
		CRFID: 3, FormData: map[string]interface{}{"age": "40"},
	})
	require.NoError(t, err)
	// weight is a known item and warns; height is not on the form and is skipped
	assert.True(t, res.Valid)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "Weight is missing", res.Warnings[0].Message)
	assert.Equal(t, 2, res.RulesEvaluated)
}

func TestValidateFormData_SkipsInactiveRules(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.rules[1].Active = false

	res, err := f.svc.ValidateFormData(context.Background(), ValidateRequest{
		CRFID: 3, FormData: map[string]interface{}{"age": "15", "weight": "70"},
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 1, res.RulesEvaluated)
}

func TestValidateFormData_RecordsFailureMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.ValidateFormData(context.Background(), ValidateRequest{
		CRFID: 3, FormData: map[string]interface{}{"age": "15"},
	})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(f.reg, "edc_rule_failures_total", "edc_validation_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "range/error, required/warning and the form run")
}

func TestValidateFormData_OrgScope(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.orgs[3] = 1
	req := ValidateRequest{CRFID: 3, FormData: map[string]interface{}{"age": "15"}}

	res, err := f.svc.ValidateFormData(withOrg("2"), req)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 0, res.RulesEvaluated)

	res, err = f.svc.ValidateFormData(withOrg("1"), req)
	require.NoError(t, err)
	assert.False(t, res.Valid)

	deny := newFixture(t, Options{ScopePolicy: ScopeDeny})
	deny.repo.orgs[3] = 1
	_, err = deny.svc.ValidateFormData(withOrg("2"), req)
	assert.ErrorIs(t, err, ErrFormOutOfScope)
}

func TestValidateFormData_OrgLookupFailureIsAnError(t *testing.T) {
	req := ValidateRequest{CRFID: 3, FormData: map[string]interface{}{"age": "15"}}
	for _, policy := range []ScopePolicy{ScopeHide, ScopeDeny} {
		f := newFixture(t, Options{ScopePolicy: policy})
		f.repo.orgErr = errors.New("connection reset")

		res, err := f.svc.ValidateFormData(withOrg("1"), req)
		require.Error(t, err, policy)
		assert.Nil(t, res)
		assert.NotErrorIs(t, err, ErrFormOutOfScope)

		_, err = f.svc.ValidateFieldChange(withOrg("1"), FieldChangeRequest{CRFID: 3, FieldPath: "age", Value: "15"})
		assert.Error(t, err)
	}
}

func TestValidateFieldChange_EditReplacesKeyOfOtherCase(t *testing.T) {
	f := newFixture(t, Options{})
	res, err := f.svc.ValidateFieldChange(context.Background(), FieldChangeRequest{
		CRFID:     3,
		FieldPath: "age",
		Value:     "130",
		FormData:  map[string]interface{}{"Age": "50", "weight": "70"},
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].RuleID)
}

func TestValidateFieldChange_OnlyTargetedRules(t *testing.T) {
	f := newFixture(t, Options{})
	res, err := f.svc.ValidateFieldChange(context.Background(), FieldChangeRequest{
		CRFID:     3,
		FieldPath: "Age",
		Value:     "130",
		FormData:  map[string]interface{}{"weight": ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RulesEvaluated)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].RuleID)
	assert.Empty(t, res.Warnings)
}

func TestValidateFieldChange_ByItemOID(t *testing.T) {
	f := newFixture(t, Options{})
	res, err := f.svc.ValidateFieldChange(context.Background(), FieldChangeRequest{
		CRFID: 3, FieldPath: "I_DEMO_AGE", Value: "12",
	})
	require.NoError(t, err)
	assert.Len(t, res.Errors, 1)
}

func TestValidateFieldChange_ItemDataOverride(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.ValidateFieldChange(context.Background(), FieldChangeRequest{
		CRFID: 3, FieldPath: "age", Value: "5", EventCRFID: intPtr(100), ItemDataID: intPtr(777),
		CreateQueries: boolPtr(true),
	})
	require.NoError(t, err)
	require.Len(t, f.queries.data, 1)
	assert.Equal(t, 777, *f.queries.data[1].ItemDataID)
}

// ── Rule test ──

func TestTestRule(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.svc.TestRule(ctx, TestRequest{
		Rule:  RuleInput{Kind: KindRange, FieldPath: "age", MinValue: "18", MaxValue: "120"},
		Value: "17",
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "age failed range validation", res.Message)
	assert.Empty(t, res.ConfigError)

	res, err = f.svc.TestRule(ctx, TestRequest{
		Rule:     RuleInput{Kind: KindRange, FieldPath: "age", MinValue: "18"},
		FormData: map[string]interface{}{"Demographics": map[string]interface{}{"AGE": 30.0}},
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Matched)
	assert.Equal(t, "AGE", res.MatchedKey)

	res, err = f.svc.TestRule(ctx, TestRequest{
		Rule:     RuleInput{Kind: KindFormula, FieldPath: "age", CustomExpression: "=AND({age}>=18, {age}<=120"},
		FormData: map[string]interface{}{"age": "17"},
	})
	require.NoError(t, err)
	assert.True(t, res.Valid, "broken formula fails open")
	assert.NotEmpty(t, res.ConfigError)
}

// ── Listing ──

func TestListRulesForForm_Scope(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.orgs[3] = 1

	rules, err := f.svc.ListRulesForForm(withOrg("2"), 3)
	require.NoError(t, err)
	assert.Empty(t, rules)

	rules, err = f.svc.ListRulesForForm(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	deny := newFixture(t, Options{ScopePolicy: ScopeDeny})
	deny.repo.orgs[3] = 1
	_, err = deny.svc.ListRulesForForm(withOrg("2"), 3)
	assert.ErrorIs(t, err, ErrFormOutOfScope)
}

func TestListRulesForStudy_FallsBackToAllForms(t *testing.T) {
	f := newFixture(t, Options{})
	out, err := f.svc.ListRulesForStudy(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	require.Len(t, out.Forms, 2)
	assert.Equal(t, 3, out.Forms[0].Form.ID)
	assert.Len(t, out.Forms[0].Rules, 2)

	f.repo.studyForms[9] = []Form{{ID: 3, Name: "Demographics"}}
	out, err = f.svc.ListRulesForStudy(context.Background(), 9)
	require.NoError(t, err)
	assert.False(t, out.Fallback)
	assert.Len(t, out.Forms, 1)
}

// ── Management ──

func TestCreateRule(t *testing.T) {
	f := newFixture(t, Options{})
	uid := 21

	_, err := f.svc.CreateRule(context.Background(), RuleInput{CRFID: 3, Kind: KindRange, FieldPath: "age"}, &uid)
	assert.ErrorIs(t, err, ErrInvalidRule)

	r, err := f.svc.CreateRule(context.Background(), RuleInput{
		CRFID: 3, Kind: KindFormat, FieldPath: "email", FormatType: "email",
	}, &uid)
	require.NoError(t, err)
	assert.Equal(t, 3, r.ID)
	assert.Equal(t, SeverityError, r.Severity)
	assert.True(t, r.Active)
	assert.Equal(t, "email format", r.Name)

	require.Len(t, f.audit.Events, 1)
	ev := f.audit.Events[0]
	assert.Equal(t, audit.RuleCreated, ev.Type)
	assert.Equal(t, 3, ev.EntityID)
	assert.Contains(t, ev.NewValue, `"formatType":"email"`)
}

func TestCreateRule_OutOfScope(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.orgs[3] = 1
	_, err := f.svc.CreateRule(withOrg("2"), RuleInput{CRFID: 3, Kind: KindRequired, FieldPath: "age"}, nil)
	assert.ErrorIs(t, err, ErrFormOutOfScope)
	assert.Empty(t, f.audit.Events)
}

func TestUpdateRule(t *testing.T) {
	f := newFixture(t, Options{})
	r, err := f.svc.UpdateRule(context.Background(), 1, RuleInput{
		Kind: KindRange, FieldPath: "age", MinValue: "21", MaxValue: "99",
	}, intPtr(21))
	require.NoError(t, err)
	assert.Equal(t, 3, r.CRFID)
	assert.Equal(t, Bound("21"), r.MinValue)
	assert.True(t, r.Active)

	require.Len(t, f.audit.Events, 1)
	assert.Equal(t, audit.RuleUpdated, f.audit.Events[0].Type)
	assert.Contains(t, f.audit.Events[0].OldValue, `"minValue":"18"`)
	assert.Contains(t, f.audit.Events[0].NewValue, `"minValue":"21"`)

	_, err = f.svc.UpdateRule(context.Background(), 99, RuleInput{Kind: KindRequired, FieldPath: "x"}, nil)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestToggleRule(t *testing.T) {
	f := newFixture(t, Options{})

	r, err := f.svc.ToggleRule(context.Background(), 1, nil, nil)
	require.NoError(t, err)
	assert.False(t, r.Active)

	r, err = f.svc.ToggleRule(context.Background(), 1, boolPtr(true), nil)
	require.NoError(t, err)
	assert.True(t, r.Active)

	require.Len(t, f.audit.Events, 2)
	assert.Equal(t, "true", f.audit.Events[0].OldValue)
	assert.Equal(t, "false", f.audit.Events[0].NewValue)
}

func TestDeleteRule(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.svc.DeleteRule(context.Background(), 2, nil))

	_, err := f.svc.GetRule(context.Background(), 2)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	require.Len(t, f.audit.Events, 1)
	assert.Equal(t, audit.RuleDeleted, f.audit.Events[0].Type)

	assert.ErrorIs(t, f.svc.DeleteRule(context.Background(), 2, nil), ErrRuleNotFound)
}

func TestFormats(t *testing.T) {
	f := newFixture(t, Options{})
	list := f.svc.Formats()
	require.NotEmpty(t, list)
	keys := make([]string, len(list))
	for i, fm := range list {
		keys[i] = fm.Key
	}
	assert.Contains(t, keys, "email")
}
