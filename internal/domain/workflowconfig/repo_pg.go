package workflowconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edc/edc/internal/platform/db"
)

type configRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &configRepoPG{pool: pool}
}

const configCols = `form_workflow_config_id, crf_id, study_id, requires_sdv, requires_signature,
	requires_dde, query_route_to_users, updated_by, date_updated`

func scanConfig(row pgx.Row) (*Config, error) {
	var c Config
	err := row.Scan(&c.ID, &c.CRFID, &c.StudyID, &c.RequiresSDV, &c.RequiresSignature,
		&c.RequiresDDE, &c.QueryRouteToUsers, &c.UpdatedBy, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	return &c, err
}

func (r *configRepoPG) Get(ctx context.Context, crfID int, studyID *int) (*Config, error) {
	// NULLS LAST puts the study row ahead of the global one.
	return scanConfig(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+configCols+` FROM form_workflow_config
		WHERE crf_id = $1 AND (study_id = $2 OR study_id IS NULL)
		ORDER BY study_id NULLS LAST
		LIMIT 1`, crfID, studyID))
}

func (r *configRepoPG) Upsert(ctx context.Context, c *Config) error {
	if c.QueryRouteToUsers == nil {
		c.QueryRouteToUsers = []string{}
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO form_workflow_config (crf_id, study_id, requires_sdv, requires_signature,
			requires_dde, query_route_to_users, updated_by, date_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (crf_id, (COALESCE(study_id, 0))) DO UPDATE SET
			requires_sdv = EXCLUDED.requires_sdv,
			requires_signature = EXCLUDED.requires_signature,
			requires_dde = EXCLUDED.requires_dde,
			query_route_to_users = EXCLUDED.query_route_to_users,
			updated_by = EXCLUDED.updated_by,
			date_updated = NOW()
		RETURNING form_workflow_config_id, date_updated`,
		c.CRFID, c.StudyID, c.RequiresSDV, c.RequiresSignature,
		c.RequiresDDE, c.QueryRouteToUsers, c.UpdatedBy,
	).Scan(&c.ID, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert workflow config: %w", err)
	}
	return nil
}

func (r *configRepoPG) FormIDForInstance(ctx context.Context, eventCRFID int) (int, error) {
	var crfID int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT cv.crf_id FROM event_crf ec
		JOIN crf_version cv ON cv.crf_version_id = ec.crf_version_id
		WHERE ec.event_crf_id = $1`, eventCRFID).Scan(&crfID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("form instance %d not found", eventCRFID)
	}
	return crfID, err
}

// =========== User Directory ===========

type userDirectoryPG struct{ pool *pgxpool.Pool }

func NewUserDirectoryPG(pool *pgxpool.Pool) UserDirectory {
	return &userDirectoryPG{pool: pool}
}

func (d *userDirectoryPG) ActiveUsers(ctx context.Context, userNames []string) ([]User, error) {
	if len(userNames) == 0 {
		return nil, nil
	}
	rows, err := db.Conn(ctx, d.pool).Query(ctx, `
		SELECT user_id, user_name FROM user_account
		WHERE user_name = ANY($1) AND enabled AND status NOT IN ('removed', 'auto-removed', 'locked')`,
		userNames)
	if err != nil {
		return nil, fmt.Errorf("lookup users: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]User, len(userNames))
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.UserName); err != nil {
			return nil, err
		}
		byName[u.UserName] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]User, 0, len(byName))
	seen := make(map[string]bool, len(userNames))
	for _, name := range userNames {
		if u, ok := byName[name]; ok && !seen[name] {
			seen[name] = true
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *userDirectoryPG) StudyRoles(ctx context.Context, studyID int) ([]StudyRole, error) {
	rows, err := db.Conn(ctx, d.pool).Query(ctx, `
		SELECT u.user_id, u.user_name, sur.role_name
		FROM study_user_role sur
		JOIN user_account u ON u.user_name = sur.user_name
		WHERE (sur.study_id = $1
			OR sur.study_id = (SELECT parent_study_id FROM study WHERE study_id = $1))
		  AND sur.status = 'available' AND u.enabled
		ORDER BY sur.study_user_role_id`, studyID)
	if err != nil {
		return nil, fmt.Errorf("lookup study roles: %w", err)
	}
	defer rows.Close()

	var out []StudyRole
	for rows.Next() {
		var sr StudyRole
		if err := rows.Scan(&sr.ID, &sr.UserName, &sr.Role); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}
