package mpi

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// uniqueViolation is the PostgreSQL error code for unique-constraint
// violations. The unique index on (alias_type, alias_value) is the
// authoritative duplicate-alias signal; the application pre-check only
// produces friendlier messages.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type identityRepoPG struct{ pool *pgxpool.Pool }

// NewIdentityRepoPG creates the PostgreSQL-backed identity store and alias
// index.
func NewIdentityRepoPG(pool *pgxpool.Pool) IdentityRepository {
	return &identityRepoPG{pool: pool}
}

func (r *identityRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *identityRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

const identityCols = `id, public_number, patient_id, organization_id, hospital_id, department_id,
	status, resolution_state, active, source_system, metadata, mrn_snapshot,
	created_by, updated_by, created_at, updated_at`

func (r *identityRepoPG) scanIdentity(row pgx.Row) (*Identity, error) {
	var i Identity
	err := row.Scan(&i.ID, &i.PublicNumber, &i.PatientID, &i.OrganizationID, &i.HospitalID, &i.DepartmentID,
		&i.Status, &i.ResolutionState, &i.Active, &i.SourceSystem, &i.Metadata, &i.MRNSnapshot,
		&i.CreatedBy, &i.UpdatedBy, &i.CreatedAt, &i.UpdatedAt)
	return &i, err
}

const aliasCols = `id, identity_id, alias_type, alias_value, source_system, active, created_by, created_at`

func scanAlias(row pgx.Row) (*Alias, error) {
	var a Alias
	err := row.Scan(&a.ID, &a.IdentityID, &a.AliasType, &a.AliasValue, &a.SourceSystem, &a.Active, &a.CreatedBy, &a.CreatedAt)
	return &a, err
}

func (r *identityRepoPG) loadAliases(ctx context.Context, identity *Identity) error {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+aliasCols+` FROM mpi_identity_alias WHERE identity_id = $1 ORDER BY created_at`, identity.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	identity.Aliases = []*Alias{}
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return err
		}
		identity.Aliases = append(identity.Aliases, a)
	}
	return rows.Err()
}

func (r *identityRepoPG) getOne(ctx context.Context, where string, arg interface{}) (*Identity, error) {
	i, err := r.scanIdentity(r.conn(ctx).QueryRow(ctx, `SELECT `+identityCols+` FROM mpi_identity WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.loadAliases(ctx, i); err != nil {
		return nil, err
	}
	return i, nil
}

func (r *identityRepoPG) Create(ctx context.Context, identity *Identity) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO mpi_identity (id, public_number, patient_id, organization_id, hospital_id, department_id,
			status, resolution_state, active, source_system, metadata, mrn_snapshot, created_by, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		identity.ID, identity.PublicNumber, identity.PatientID, identity.OrganizationID, identity.HospitalID, identity.DepartmentID,
		identity.Status, identity.ResolutionState, identity.Active, identity.SourceSystem, identity.Metadata, identity.MRNSnapshot,
		identity.CreatedBy, identity.UpdatedBy).Scan(&identity.CreatedAt, &identity.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("identity violates a uniqueness constraint: %w", ErrConflict)
	}
	return err
}

func (r *identityRepoPG) Update(ctx context.Context, identity *Identity) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE mpi_identity SET patient_id=$2, organization_id=$3, hospital_id=$4, department_id=$5,
			status=$6, resolution_state=$7, active=$8, source_system=$9, metadata=$10, mrn_snapshot=$11,
			updated_by=$12, updated_at=NOW()
		WHERE id = $1`,
		identity.ID, identity.PatientID, identity.OrganizationID, identity.HospitalID, identity.DepartmentID,
		identity.Status, identity.ResolutionState, identity.Active, identity.SourceSystem, identity.Metadata, identity.MRNSnapshot,
		identity.UpdatedBy)
	if isUniqueViolation(err) {
		return fmt.Errorf("identity violates a uniqueness constraint: %w", ErrConflict)
	}
	return err
}

func (r *identityRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	i, err := r.getOne(ctx, `id = $1`, id)
	if err != nil {
		return nil, err
	}
	if i == nil {
		return nil, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	return i, nil
}

func (r *identityRepoPG) GetByPublicNumber(ctx context.Context, number string) (*Identity, error) {
	i, err := r.getOne(ctx, `public_number = $1`, number)
	if err != nil {
		return nil, err
	}
	if i == nil {
		return nil, fmt.Errorf("identity %s: %w", number, ErrNotFound)
	}
	return i, nil
}

func (r *identityRepoPG) FindByPatientID(ctx context.Context, patientID uuid.UUID) (*Identity, error) {
	// Merged identities no longer own their patient link for resolution.
	return r.getOne(ctx, `patient_id = $1 AND status <> 'MERGED'`, patientID)
}

func (r *identityRepoPG) FindAlias(ctx context.Context, aliasType AliasType, value string) (*Alias, error) {
	a, err := scanAlias(r.conn(ctx).QueryRow(ctx,
		`SELECT `+aliasCols+` FROM mpi_identity_alias WHERE alias_type = $1 AND alias_value = $2`, aliasType, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func (r *identityRepoPG) PublicNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM mpi_identity WHERE public_number = $1)`, number).Scan(&exists)
	return exists, err
}

func (r *identityRepoPG) AddAlias(ctx context.Context, alias *Alias) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO mpi_identity_alias (id, identity_id, alias_type, alias_value, source_system, active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		alias.ID, alias.IdentityID, alias.AliasType, alias.AliasValue, alias.SourceSystem, alias.Active, alias.CreatedBy).Scan(&alias.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("alias %s %q is already in use: %w", alias.AliasType, alias.AliasValue, ErrConflict)
	}
	return err
}

func (r *identityRepoPG) RemoveAlias(ctx context.Context, aliasID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM mpi_identity_alias WHERE id = $1`, aliasID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alias %s: %w", aliasID, ErrNotFound)
	}
	return nil
}

func (r *identityRepoPG) List(ctx context.Context, limit, offset int) ([]*Identity, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM mpi_identity`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+identityCols+` FROM mpi_identity ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Identity
	for rows.Next() {
		i, err := r.scanIdentity(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, i := range items {
		if err := r.loadAliases(ctx, i); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

type mergeRepoPG struct{ pool *pgxpool.Pool }

// NewMergeRepoPG creates the PostgreSQL-backed merge ledger.
func NewMergeRepoPG(pool *pgxpool.Pool) MergeRepository {
	return &mergeRepoPG{pool: pool}
}

func (r *mergeRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const mergeCols = `id, primary_id, secondary_id, organization_id, hospital_id, department_id,
	merge_type, resolution, notes, undo_token, merged_by, merged_at`

func scanMergeEvent(row pgx.Row) (*MergeEvent, error) {
	var m MergeEvent
	err := row.Scan(&m.ID, &m.PrimaryID, &m.SecondaryID, &m.OrganizationID, &m.HospitalID, &m.DepartmentID,
		&m.MergeType, &m.Resolution, &m.Notes, &m.UndoToken, &m.MergedBy, &m.MergedAt)
	return &m, err
}

func (r *mergeRepoPG) Create(ctx context.Context, event *MergeEvent) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO mpi_merge_event (id, primary_id, secondary_id, organization_id, hospital_id, department_id,
			merge_type, resolution, notes, undo_token, merged_by, merged_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		event.ID, event.PrimaryID, event.SecondaryID, event.OrganizationID, event.HospitalID, event.DepartmentID,
		event.MergeType, event.Resolution, event.Notes, event.UndoToken, event.MergedBy, event.MergedAt)
	return err
}

func (r *mergeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MergeEvent, error) {
	m, err := scanMergeEvent(r.conn(ctx).QueryRow(ctx, `SELECT `+mergeCols+` FROM mpi_merge_event WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("merge event %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

func (r *mergeRepoPG) List(ctx context.Context, limit, offset int) ([]*MergeEvent, int, error) {
	return r.list(ctx, `SELECT COUNT(*) FROM mpi_merge_event`, nil,
		`SELECT `+mergeCols+` FROM mpi_merge_event ORDER BY merged_at DESC LIMIT $1 OFFSET $2`, []interface{}{limit, offset})
}

func (r *mergeRepoPG) ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*MergeEvent, int, error) {
	return r.list(ctx, `SELECT COUNT(*) FROM mpi_merge_event WHERE primary_id = $1 OR secondary_id = $1`, []interface{}{identityID},
		`SELECT `+mergeCols+` FROM mpi_merge_event WHERE primary_id = $1 OR secondary_id = $1 ORDER BY merged_at DESC LIMIT $2 OFFSET $3`,
		[]interface{}{identityID, limit, offset})
}

func (r *mergeRepoPG) list(ctx context.Context, countSQL string, countArgs []interface{}, dataSQL string, dataArgs []interface{}) ([]*MergeEvent, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*MergeEvent
	for rows.Next() {
		m, err := scanMergeEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}
