package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edc/edc/internal/platform/db"
)

type queryRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &queryRepoPG{pool: pool}
}

const noteSelect = `SELECT dn.discrepancy_note_id, dn.parent_dn_id, dn.description, COALESCE(dn.detailed_notes, ''),
	dn.entity_type, COALESCE(dn.entity_name, ''), dn.note_type, dn.resolution_status, dn.study_id,
	dn.owner_id, dn.assigned_user_id, dn.date_created, dn.date_updated,
	idm.item_data_id, ecm.event_crf_id, ssm.study_subject_id
	FROM discrepancy_note dn
	LEFT JOIN dn_item_data_map idm ON idm.discrepancy_note_id = dn.discrepancy_note_id
	LEFT JOIN dn_event_crf_map ecm ON ecm.discrepancy_note_id = dn.discrepancy_note_id
	LEFT JOIN dn_study_subject_map ssm ON ssm.discrepancy_note_id = dn.discrepancy_note_id`

const openRoot = ` AND dn.parent_dn_id IS NULL AND dn.resolution_status NOT IN ('Closed', 'NotApplicable')`

func scanQuery(row pgx.Row) (*Query, error) {
	var q Query
	err := row.Scan(&q.ID, &q.ParentID, &q.Description, &q.DetailedNotes,
		&q.EntityType, &q.EntityName, &q.Type, &q.Status, &q.StudyID,
		&q.OwnerID, &q.AssignedUserID, &q.CreatedAt, &q.UpdatedAt,
		&q.ItemDataID, &q.EventCRFID, &q.StudySubjectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrQueryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *queryRepoPG) FindOpenByItemData(ctx context.Context, itemDataID int) (*Query, error) {
	return scanQuery(db.Conn(ctx, r.pool).QueryRow(ctx,
		noteSelect+` WHERE idm.item_data_id = $1`+openRoot+` ORDER BY dn.discrepancy_note_id LIMIT 1`,
		itemDataID))
}

func (r *queryRepoPG) FindOpenByField(ctx context.Context, eventCRFID int, fieldPath string) (*Query, error) {
	return scanQuery(db.Conn(ctx, r.pool).QueryRow(ctx,
		noteSelect+` WHERE ecm.event_crf_id = $1 AND LOWER(dn.entity_name) = LOWER($2)`+openRoot+
			` ORDER BY dn.discrepancy_note_id LIMIT 1`,
		eventCRFID, fieldPath))
}

func (r *queryRepoPG) Create(ctx context.Context, q *Query) error {
	conn := db.Conn(ctx, r.pool)
	err := conn.QueryRow(ctx, `
		INSERT INTO discrepancy_note (parent_dn_id, description, detailed_notes, entity_type, entity_name,
			note_type, resolution_status, study_id, owner_id, assigned_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING discrepancy_note_id, date_created`,
		q.ParentID, q.Description, q.DetailedNotes, q.EntityType, q.EntityName,
		q.Type, q.Status, q.StudyID, q.OwnerID, q.AssignedUserID,
	).Scan(&q.ID, &q.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert discrepancy note: %w", err)
	}

	// The subject is derived from the form instance when not given.
	if q.StudySubjectID == nil && q.EventCRFID != nil {
		var subjectID int
		err := conn.QueryRow(ctx, `SELECT study_subject_id FROM event_crf WHERE event_crf_id = $1`, *q.EventCRFID).Scan(&subjectID)
		if err == nil {
			q.StudySubjectID = &subjectID
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lookup subject for form instance: %w", err)
		}
	}

	if q.ItemDataID != nil {
		if _, err := conn.Exec(ctx, `
			INSERT INTO dn_item_data_map (discrepancy_note_id, item_data_id, study_subject_id, column_name)
			VALUES ($1, $2, $3, 'value')`, q.ID, *q.ItemDataID, q.StudySubjectID); err != nil {
			return fmt.Errorf("link item data: %w", err)
		}
	}
	if q.EventCRFID != nil {
		if _, err := conn.Exec(ctx, `
			INSERT INTO dn_event_crf_map (discrepancy_note_id, event_crf_id, column_name)
			VALUES ($1, $2, $3)`, q.ID, *q.EventCRFID, q.EntityName); err != nil {
			return fmt.Errorf("link form instance: %w", err)
		}
	}
	if q.StudySubjectID != nil {
		if _, err := conn.Exec(ctx, `
			INSERT INTO dn_study_subject_map (discrepancy_note_id, study_subject_id, column_name)
			VALUES ($1, $2, $3)`, q.ID, *q.StudySubjectID, q.EntityName); err != nil {
			return fmt.Errorf("link subject: %w", err)
		}
	}
	return nil
}

func (r *queryRepoPG) GetByID(ctx context.Context, id int) (*Query, error) {
	return scanQuery(db.Conn(ctx, r.pool).QueryRow(ctx, noteSelect+` WHERE dn.discrepancy_note_id = $1`, id))
}

func (r *queryRepoPG) Notes(ctx context.Context, parentID int) ([]*Query, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		noteSelect+` WHERE dn.parent_dn_id = $1 ORDER BY dn.date_created, dn.discrepancy_note_id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (r *queryRepoPG) UpdateStatus(ctx context.Context, id int, status Status) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE discrepancy_note SET resolution_status = $2, date_updated = NOW() WHERE discrepancy_note_id = $1`,
		id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQueryNotFound
	}
	return nil
}

func (r *queryRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Query, int, error) {
	where := ` WHERE dn.parent_dn_id IS NULL`
	var args []interface{}
	idx := 1

	if f.EventCRFID != nil {
		where += fmt.Sprintf(` AND ecm.event_crf_id = $%d`, idx)
		args = append(args, *f.EventCRFID)
		idx++
	}
	if f.StudySubjectID != nil {
		where += fmt.Sprintf(` AND ssm.study_subject_id = $%d`, idx)
		args = append(args, *f.StudySubjectID)
		idx++
	}
	if f.AssignedUserID != nil {
		where += fmt.Sprintf(` AND dn.assigned_user_id = $%d`, idx)
		args = append(args, *f.AssignedUserID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND dn.resolution_status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.OpenOnly {
		where += ` AND dn.resolution_status NOT IN ('Closed', 'NotApplicable')`
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	countQuery := `SELECT COUNT(*) FROM discrepancy_note dn
		LEFT JOIN dn_event_crf_map ecm ON ecm.discrepancy_note_id = dn.discrepancy_note_id
		LEFT JOIN dn_study_subject_map ssm ON ssm.discrepancy_note_id = dn.discrepancy_note_id` + where
	if err := conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := noteSelect + where + fmt.Sprintf(` ORDER BY dn.date_created DESC, dn.discrepancy_note_id DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, q)
	}
	return items, total, rows.Err()
}
