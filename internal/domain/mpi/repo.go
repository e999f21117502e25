package mpi

import (
	"context"

	"github.com/google/uuid"
)

// IdentityRepository is the persistence interface for the identity store and
// alias index. Get* methods return ErrNotFound when the row is absent; Find*
// methods return (nil, nil) instead. Identities are always loaded with their
// alias collection.
type IdentityRepository interface {
	// InTx runs fn inside a single transaction; every repository call made
	// with the context passed to fn joins that transaction. Used so each
	// write operation, pre-checks included, commits atomically.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	Create(ctx context.Context, identity *Identity) error
	Update(ctx context.Context, identity *Identity) error
	GetByID(ctx context.Context, id uuid.UUID) (*Identity, error)
	GetByPublicNumber(ctx context.Context, number string) (*Identity, error)
	FindByPatientID(ctx context.Context, patientID uuid.UUID) (*Identity, error)
	FindAlias(ctx context.Context, aliasType AliasType, value string) (*Alias, error)
	PublicNumberExists(ctx context.Context, number string) (bool, error)
	AddAlias(ctx context.Context, alias *Alias) error
	RemoveAlias(ctx context.Context, aliasID uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Identity, int, error)
}

// MergeRepository is the persistence interface for the append-only merge
// ledger.
type MergeRepository interface {
	Create(ctx context.Context, event *MergeEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*MergeEvent, error)
	List(ctx context.Context, limit, offset int) ([]*MergeEvent, int, error)
	ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*MergeEvent, int, error)
}
