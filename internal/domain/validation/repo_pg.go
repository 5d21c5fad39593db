package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edc/edc/internal/platform/db"
)

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &ruleRepoPG{pool: pool}
}

const ruleCols = `validation_rule_id, crf_id, crf_version_id, item_id, name, COALESCE(description, ''),
	rule_type, field_path, severity, error_message, COALESCE(warning_message, ''), active,
	COALESCE(min_value, ''), COALESCE(max_value, ''), COALESCE(pattern, ''), COALESCE(format_type, ''),
	COALESCE(operator, ''), COALESCE(compare_field_path, ''), COALESCE(custom_expression, ''),
	owner_id, update_id, date_created, date_updated`

func scanRule(row pgx.Row) (*Rule, error) {
	var (
		r                  Rule
		kind, severity     string
		minValue, maxValue string
	)
	err := row.Scan(&r.ID, &r.CRFID, &r.CRFVersionID, &r.ItemID, &r.Name, &r.Description,
		&kind, &r.FieldPath, &severity, &r.ErrorMessage, &r.WarningMessage, &r.Active,
		&minValue, &maxValue, &r.Pattern, &r.FormatType,
		&r.Operator, &r.CompareFieldPath, &r.CustomExpression,
		&r.CreatedBy, &r.UpdatedBy, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Kind, r.Severity = Kind(kind), Severity(severity)
	r.MinValue, r.MaxValue = Bound(minValue), Bound(maxValue)
	r.Source = SourceCustom
	return &r, nil
}

func nullIfEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func (r *ruleRepoPG) Create(ctx context.Context, rule *Rule) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO validation_rule (crf_id, crf_version_id, item_id, name, description, rule_type,
			field_path, severity, error_message, warning_message, active, min_value, max_value,
			pattern, format_type, operator, compare_field_path, custom_expression, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING validation_rule_id, date_created`,
		rule.CRFID, rule.CRFVersionID, rule.ItemID, rule.Name, nullIfEmpty(rule.Description), string(rule.Kind),
		rule.FieldPath, string(rule.Severity), rule.ErrorMessage, nullIfEmpty(rule.WarningMessage), rule.Active,
		nullIfEmpty(string(rule.MinValue)), nullIfEmpty(string(rule.MaxValue)),
		nullIfEmpty(rule.Pattern), nullIfEmpty(rule.FormatType), nullIfEmpty(rule.Operator),
		nullIfEmpty(rule.CompareFieldPath), nullIfEmpty(rule.CustomExpression), rule.CreatedBy,
	).Scan(&rule.ID, &rule.CreatedAt)
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id int) (*Rule, error) {
	return scanRule(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+ruleCols+` FROM validation_rule WHERE validation_rule_id = $1`, id))
}

func (r *ruleRepoPG) Update(ctx context.Context, rule *Rule) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE validation_rule SET crf_id = $2, crf_version_id = $3, item_id = $4, name = $5,
			description = $6, rule_type = $7, field_path = $8, severity = $9, error_message = $10,
			warning_message = $11, active = $12, min_value = $13, max_value = $14, pattern = $15,
			format_type = $16, operator = $17, compare_field_path = $18, custom_expression = $19,
			update_id = $20, date_updated = NOW()
		WHERE validation_rule_id = $1`,
		rule.ID, rule.CRFID, rule.CRFVersionID, rule.ItemID, rule.Name,
		nullIfEmpty(rule.Description), string(rule.Kind), rule.FieldPath, string(rule.Severity), rule.ErrorMessage,
		nullIfEmpty(rule.WarningMessage), rule.Active, nullIfEmpty(string(rule.MinValue)), nullIfEmpty(string(rule.MaxValue)),
		nullIfEmpty(rule.Pattern), nullIfEmpty(rule.FormatType), nullIfEmpty(rule.Operator),
		nullIfEmpty(rule.CompareFieldPath), nullIfEmpty(rule.CustomExpression), rule.UpdatedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *ruleRepoPG) SetActive(ctx context.Context, id int, active bool, userID *int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE validation_rule SET active = $2, update_id = $3, date_updated = NOW()
		WHERE validation_rule_id = $1`, id, active, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *ruleRepoPG) Delete(ctx context.Context, id int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM validation_rule WHERE validation_rule_id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *ruleRepoPG) ListByForm(ctx context.Context, crfID int) ([]*Rule, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+ruleCols+` FROM validation_rule WHERE crf_id = $1 ORDER BY validation_rule_id`, crfID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *ruleRepoPG) FormOrganization(ctx context.Context, crfID int) (*int, error) {
	var org *int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(c.organization_id, s.organization_id)
		FROM crf c LEFT JOIN study s ON s.study_id = c.source_study_id
		WHERE c.crf_id = $1`, crfID).Scan(&org)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return org, err
}

func (r *ruleRepoPG) scanForms(ctx context.Context, sql string, args ...interface{}) ([]Form, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Form
	for rows.Next() {
		var f Form
		if err := rows.Scan(&f.ID, &f.Name, &f.OID, &f.OrganizationID); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FormsForStudy lists the forms attached to a study or to its parent study.
func (r *ruleRepoPG) FormsForStudy(ctx context.Context, studyID int) ([]Form, error) {
	return r.scanForms(ctx, `
		SELECT DISTINCT c.crf_id, c.name, COALESCE(c.oc_oid, ''), c.organization_id
		FROM crf c
		LEFT JOIN study_crf sc ON sc.crf_id = c.crf_id
		WHERE c.status <> 'removed'
		  AND (sc.study_id = $1 OR c.source_study_id = $1
		       OR sc.study_id = (SELECT parent_study_id FROM study WHERE study_id = $1)
		       OR c.source_study_id = (SELECT parent_study_id FROM study WHERE study_id = $1))
		ORDER BY c.crf_id`, studyID)
}

func (r *ruleRepoPG) AllForms(ctx context.Context) ([]Form, error) {
	return r.scanForms(ctx, `
		SELECT crf_id, name, COALESCE(oc_oid, ''), organization_id
		FROM crf WHERE status <> 'removed' ORDER BY crf_id`)
}

func (r *ruleRepoPG) FieldIDs(ctx context.Context, crfID int) (FieldIDMap, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT DISTINCT i.item_id, i.name, COALESCE(i.oc_oid, '')
		FROM item i
		JOIN item_form_metadata ifm ON ifm.item_id = i.item_id
		JOIN crf_version cv ON cv.crf_version_id = ifm.crf_version_id
		WHERE cv.crf_id = $1`, crfID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := FieldIDMap{}
	for rows.Next() {
		var (
			id        int
			name, oid string
		)
		if err := rows.Scan(&id, &name, &oid); err != nil {
			return nil, err
		}
		ids[strings.ToLower(name)] = id
		if oid != "" {
			ids[strings.ToLower(oid)] = id
		}
	}
	return ids, rows.Err()
}

func (r *ruleRepoPG) FormInstance(ctx context.Context, eventCRFID int) (*FormInstance, error) {
	conn := db.Conn(ctx, r.pool)
	inst := FormInstance{ID: eventCRFID, ItemData: map[int]int{}}
	var subjectID, studyID int
	err := conn.QueryRow(ctx, `
		SELECT cv.crf_id, ec.study_subject_id, ss.study_id
		FROM event_crf ec
		JOIN crf_version cv ON cv.crf_version_id = ec.crf_version_id
		JOIN study_subject ss ON ss.study_subject_id = ec.study_subject_id
		WHERE ec.event_crf_id = $1`, eventCRFID).Scan(&inst.CRFID, &subjectID, &studyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load form instance: %w", err)
	}
	inst.StudySubjectID, inst.StudyID = &subjectID, &studyID

	// Repeating items keep the first ordinal.
	rows, err := conn.Query(ctx, `
		SELECT item_id, item_data_id FROM item_data
		WHERE event_crf_id = $1 ORDER BY item_id, ordinal`, eventCRFID)
	if err != nil {
		return nil, fmt.Errorf("load item data: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var itemID, itemDataID int
		if err := rows.Scan(&itemID, &itemDataID); err != nil {
			return nil, err
		}
		if _, ok := inst.ItemData[itemID]; !ok {
			inst.ItemData[itemID] = itemDataID
		}
	}
	return &inst, rows.Err()
}

type legacyPG struct{ pool *pgxpool.Pool }

func NewLegacySourcePG(pool *pgxpool.Pool) LegacySource {
	return &legacyPG{pool: pool}
}

// ItemMetadata returns the metadata of every version of the form, newest
// version first.
func (l *legacyPG) ItemMetadata(ctx context.Context, crfID int) ([]ItemMetadata, error) {
	rows, err := db.Conn(ctx, l.pool).Query(ctx, `
		SELECT ifm.item_form_metadata_id, ifm.item_id, ifm.crf_version_id, i.name, COALESCE(i.oc_oid, ''),
			ifm.required, COALESCE(ifm.regexp, ''), COALESCE(ifm.regexp_error_msg, '')
		FROM item_form_metadata ifm
		JOIN item i ON i.item_id = ifm.item_id
		JOIN crf_version cv ON cv.crf_version_id = ifm.crf_version_id
		WHERE cv.crf_id = $1 AND (ifm.required OR COALESCE(ifm.regexp, '') <> '')
		ORDER BY ifm.crf_version_id DESC, ifm.ordinal`, crfID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ItemMetadata
	for rows.Next() {
		var m ItemMetadata
		if err := rows.Scan(&m.ID, &m.ItemID, &m.CRFVersionID, &m.Name, &m.OID,
			&m.Required, &m.Regexp, &m.RegexpErrorMsg); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type nativePG struct{ pool *pgxpool.Pool }

func NewNativeSourcePG(pool *pgxpool.Pool) NativeSource {
	return &nativePG{pool: pool}
}

func (n *nativePG) NativeRules(ctx context.Context, crfID int) ([]NativeRule, error) {
	rows, err := db.Conn(ctx, n.pool).Query(ctx, `
		SELECT rsr.rule_set_rule_id, COALESCE(r.oc_oid, ''), COALESCE(r.name, ''), COALESCE(r.description, ''),
			target.value, expr.value, rsr.expression_evaluates_to, COALESCE(rsr.action_message, '')
		FROM rule_set_rule rsr
		JOIN rule_set rs ON rs.rule_set_id = rsr.rule_set_id
		JOIN rule_expression target ON target.rule_expression_id = rs.rule_expression_id
		JOIN rule r ON r.rule_id = rsr.rule_id
		JOIN rule_expression expr ON expr.rule_expression_id = r.rule_expression_id
		WHERE rsr.status = 'available' AND rs.status = 'available' AND r.enabled
		  AND (rs.crf_id = $1 OR rs.crf_version_id IN (SELECT crf_version_id FROM crf_version WHERE crf_id = $1))
		ORDER BY rsr.rule_set_rule_id`, crfID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NativeRule
	for rows.Next() {
		var nr NativeRule
		if err := rows.Scan(&nr.RuleSetRuleID, &nr.OID, &nr.Name, &nr.Description,
			&nr.Target, &nr.Expression, &nr.EvaluatesTo, &nr.Message); err != nil {
			return nil, err
		}
		out = append(out, nr)
	}
	return out, rows.Err()
}

func (n *nativePG) ItemNamesByOID(ctx context.Context) (map[string]string, error) {
	rows, err := db.Conn(ctx, n.pool).Query(ctx, `SELECT oc_oid, name FROM item WHERE oc_oid IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := map[string]string{}
	for rows.Next() {
		var oid, name string
		if err := rows.Scan(&oid, &name); err != nil {
			return nil, err
		}
		names[oid] = name
	}
	return names, rows.Err()
}
