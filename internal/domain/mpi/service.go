package mpi

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/platform/events"
)

// maxNumberAttempts bounds the retry loop when a freshly generated public
// number collides with an existing one.
const maxNumberAttempts = 25

// Service implements the master patient index operations: resolving source
// records onto canonical identities, maintaining the alias index, and merging
// duplicate identities. Every write runs in a single transaction; change
// events are published only after the transaction commits.
type Service struct {
	identities IdentityRepository
	merges     MergeRepository
	publisher  events.Publisher
	logger     zerolog.Logger
}

// NewService wires a Service. Pass events.NopPublisher{} to disable eventing.
func NewService(identities IdentityRepository, merges MergeRepository, publisher events.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		identities: identities,
		merges:     merges,
		publisher:  publisher,
		logger:     logger,
	}
}

// generatePublicNumber draws EMP-prefixed six digit numbers until one is
// unused. Exhausting the attempt budget means the number space is effectively
// saturated, which is a data integrity condition rather than a caller error.
func (s *Service) generatePublicNumber(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", fmt.Errorf("generating public number: %w", err)
		}
		candidate := fmt.Sprintf("EMP-%06d", n.Int64())

		exists, err := s.identities.PublicNumberExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("public number space exhausted after %d attempts: %w", maxNumberAttempts, ErrDataIntegrity)
}

// LinkIdentity resolves a source patient record onto a canonical identity,
// creating one when no match exists. Matching is exact: first by patient id,
// then by the supplied alias. Non-nil request fields overwrite the stored
// identity; nil fields leave it untouched.
func (s *Service) LinkIdentity(ctx context.Context, req *LinkRequest) (*Identity, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required: %w", ErrValidation)
	}
	if (req.AliasType == "") != (req.AliasValue == "") {
		return nil, fmt.Errorf("alias_type and alias_value must be supplied together: %w", ErrValidation)
	}
	if req.AliasType != "" && !validAliasType(req.AliasType) {
		return nil, fmt.Errorf("unknown alias_type %q: %w", req.AliasType, ErrValidation)
	}

	var (
		identity *Identity
		event    *events.ChangeEvent
	)

	err := s.identities.InTx(ctx, func(ctx context.Context) error {
		found, err := s.identities.FindByPatientID(ctx, req.PatientID)
		if err != nil {
			return err
		}

		if found == nil && req.hasAlias() {
			alias, err := s.identities.FindAlias(ctx, req.AliasType, req.AliasValue)
			if err != nil {
				return err
			}
			if alias != nil {
				owner, err := s.identities.GetByID(ctx, alias.IdentityID)
				if err != nil {
					if IsNotFound(err) {
						return fmt.Errorf("alias %s %q references missing identity %s: %w",
							alias.AliasType, alias.AliasValue, alias.IdentityID, ErrDataIntegrity)
					}
					return err
				}
				if owner.PatientID != nil && *owner.PatientID != req.PatientID {
					return fmt.Errorf("alias %s %q is already linked to a different patient: %w",
						req.AliasType, req.AliasValue, ErrConflict)
				}
				found = owner
			}
		} else if found != nil && req.hasAlias() {
			alias, err := s.identities.FindAlias(ctx, req.AliasType, req.AliasValue)
			if err != nil {
				return err
			}
			if alias != nil && alias.IdentityID != found.ID {
				return fmt.Errorf("alias %s %q is already in use by another identity: %w",
					req.AliasType, req.AliasValue, ErrConflict)
			}
		}

		created := false
		if found == nil {
			number, err := s.generatePublicNumber(ctx)
			if err != nil {
				return err
			}
			pid := req.PatientID
			found = &Identity{
				ID:              uuid.New(),
				PublicNumber:    number,
				PatientID:       &pid,
				OrganizationID:  req.OrganizationID,
				HospitalID:      req.HospitalID,
				DepartmentID:    req.DepartmentID,
				Status:          StatusActive,
				ResolutionState: ResolutionUnverified,
				Active:          true,
				SourceSystem:    req.SourceSystem,
				Metadata:        req.Metadata,
				MRNSnapshot:     req.MRNSnapshot,
				Aliases:         []*Alias{},
				CreatedBy:       actorRef(req.Actor),
				UpdatedBy:       actorRef(req.Actor),
			}
			if err := s.identities.Create(ctx, found); err != nil {
				return err
			}
			created = true
		}

		changed := created
		if found.PatientID == nil {
			pid := req.PatientID
			found.PatientID = &pid
			changed = true
		}
		changed = mergeField(&found.OrganizationID, req.OrganizationID) || changed
		changed = mergeField(&found.HospitalID, req.HospitalID) || changed
		changed = mergeField(&found.DepartmentID, req.DepartmentID) || changed
		changed = mergeField(&found.SourceSystem, req.SourceSystem) || changed
		changed = mergeField(&found.Metadata, req.Metadata) || changed
		changed = mergeField(&found.MRNSnapshot, req.MRNSnapshot) || changed

		aliasCreated := false
		if req.hasAlias() && found.FindAlias(req.AliasType, req.AliasValue) == nil {
			alias := &Alias{
				ID:           uuid.New(),
				IdentityID:   found.ID,
				AliasType:    req.AliasType,
				AliasValue:   req.AliasValue,
				SourceSystem: req.AliasSourceSystem,
				Active:       true,
				CreatedBy:    actorRef(req.Actor),
			}
			if err := s.identities.AddAlias(ctx, alias); err != nil {
				return err
			}
			found.Aliases = append(found.Aliases, alias)
			aliasCreated = true
			changed = true
		}

		if changed && !created {
			found.UpdatedBy = actorRef(req.Actor)
			if err := s.identities.Update(ctx, found); err != nil {
				return err
			}
		}

		identity = found
		switch {
		case aliasCreated:
			event = s.changeEvent(events.EventIdentityAliasCreated, found)
		case changed:
			event = s.changeEvent(events.EventIdentityLinked, found)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, event)
	return identity, nil
}

// AddAlias attaches a new alias to an existing identity and returns it.
// Re-adding an alias the identity already holds is a no-op returning the
// existing alias; an alias held by any other identity is a conflict.
func (s *Service) AddAlias(ctx context.Context, identityID uuid.UUID, req *AliasRequest) (*Alias, error) {
	if req.AliasType == "" || req.AliasValue == "" {
		return nil, fmt.Errorf("alias_type and alias_value are required: %w", ErrValidation)
	}
	if !validAliasType(req.AliasType) {
		return nil, fmt.Errorf("unknown alias_type %q: %w", req.AliasType, ErrValidation)
	}

	var (
		result *Alias
		event  *events.ChangeEvent
	)

	err := s.identities.InTx(ctx, func(ctx context.Context) error {
		found, err := s.identities.GetByID(ctx, identityID)
		if err != nil {
			return err
		}
		if held := found.FindAlias(req.AliasType, req.AliasValue); held != nil {
			result = held
			return nil
		}

		existing, err := s.identities.FindAlias(ctx, req.AliasType, req.AliasValue)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("alias %s %q is already in use by another identity: %w",
				req.AliasType, req.AliasValue, ErrConflict)
		}

		alias := &Alias{
			ID:           uuid.New(),
			IdentityID:   found.ID,
			AliasType:    req.AliasType,
			AliasValue:   req.AliasValue,
			SourceSystem: req.SourceSystem,
			Active:       true,
			CreatedBy:    actorRef(req.Actor),
		}
		if err := s.identities.AddAlias(ctx, alias); err != nil {
			return err
		}
		found.Aliases = append(found.Aliases, alias)
		found.UpdatedBy = actorRef(req.Actor)
		if err := s.identities.Update(ctx, found); err != nil {
			return err
		}

		result = alias
		event = s.changeEvent(events.EventIdentityAliasCreated, found)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, event)
	return result, nil
}

// RemoveAlias detaches an alias from the identity that owns it. The alias id
// must belong to the given identity. Removal emits no change event.
func (s *Service) RemoveAlias(ctx context.Context, identityID, aliasID uuid.UUID) (*Identity, error) {
	var identity *Identity

	err := s.identities.InTx(ctx, func(ctx context.Context) error {
		found, err := s.identities.GetByID(ctx, identityID)
		if err != nil {
			return err
		}
		alias := found.AliasByID(aliasID)
		if alias == nil {
			return fmt.Errorf("alias %s does not belong to identity %s: %w", aliasID, identityID, ErrNotFound)
		}
		if err := s.identities.RemoveAlias(ctx, aliasID); err != nil {
			return err
		}

		kept := found.Aliases[:0]
		for _, a := range found.Aliases {
			if a.ID != aliasID {
				kept = append(kept, a)
			}
		}
		found.Aliases = kept
		identity = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// MergeIdentities folds the secondary identity into the primary. The
// secondary is marked merged, confirmed and inactive; the primary is left
// untouched apart from audit stamps. No aliases or content migrate between
// the two records. One immutable merge event is appended to the ledger.
func (s *Service) MergeIdentities(ctx context.Context, primaryID uuid.UUID, req *MergeRequest) (*MergeEvent, error) {
	if req.SecondaryID == uuid.Nil {
		return nil, fmt.Errorf("secondary_identity_id is required: %w", ErrValidation)
	}
	if primaryID == req.SecondaryID {
		return nil, fmt.Errorf("an identity cannot be merged into itself: %w", ErrBusinessRule)
	}
	if !validMergeType(req.MergeType) {
		return nil, fmt.Errorf("unknown merge_type %q: %w", req.MergeType, ErrValidation)
	}
	if req.Resolution == "" {
		return nil, fmt.Errorf("resolution is required: %w", ErrValidation)
	}

	var (
		merge *MergeEvent
		event *events.ChangeEvent
	)

	err := s.identities.InTx(ctx, func(ctx context.Context) error {
		primary, err := s.identities.GetByID(ctx, primaryID)
		if err != nil {
			return err
		}
		secondary, err := s.identities.GetByID(ctx, req.SecondaryID)
		if err != nil {
			return err
		}
		if primary.Status == StatusMerged {
			return fmt.Errorf("primary identity %s has already been merged: %w", primary.PublicNumber, ErrBusinessRule)
		}
		if secondary.Status == StatusMerged {
			return fmt.Errorf("secondary identity %s has already been merged: %w", secondary.PublicNumber, ErrBusinessRule)
		}

		now := time.Now().UTC()
		secondary.Status = StatusMerged
		secondary.ResolutionState = ResolutionConfirmed
		secondary.Active = false
		secondary.UpdatedBy = actorRef(req.Actor)
		if err := s.identities.Update(ctx, secondary); err != nil {
			return err
		}

		primary.UpdatedBy = actorRef(req.Actor)
		if err := s.identities.Update(ctx, primary); err != nil {
			return err
		}

		merge = &MergeEvent{
			ID:             uuid.New(),
			PrimaryID:      primary.ID,
			SecondaryID:    secondary.ID,
			OrganizationID: mergeScope(primary.OrganizationID, secondary.OrganizationID, req.Actor.OrganizationID),
			HospitalID:     mergeScope(primary.HospitalID, secondary.HospitalID, req.Actor.HospitalID),
			DepartmentID:   mergeDepartment(primary, secondary, req.Actor),
			MergeType:      req.MergeType,
			Resolution:     req.Resolution,
			Notes:          req.Notes,
			UndoToken:      uuid.New().String(),
			MergedBy:       actorRef(req.Actor),
			MergedAt:       now,
		}
		if err := s.merges.Create(ctx, merge); err != nil {
			return err
		}

		event = s.changeEvent(events.EventIdentitiesMerged, primary)
		pn, sn := primary.PublicNumber, secondary.PublicNumber
		event.PrimaryNumber = &pn
		event.SecondaryNumber = &sn
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, event)
	return merge, nil
}

// GetIdentity loads one identity by id.
func (s *Service) GetIdentity(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return s.identities.GetByID(ctx, id)
}

// GetIdentityByNumber loads one identity by its public number.
func (s *Service) GetIdentityByNumber(ctx context.Context, number string) (*Identity, error) {
	if number == "" {
		return nil, fmt.Errorf("public number is required: %w", ErrValidation)
	}
	return s.identities.GetByPublicNumber(ctx, number)
}

// FindByPatientID returns the non-merged identity for a patient, or nil.
func (s *Service) FindByPatientID(ctx context.Context, patientID uuid.UUID) (*Identity, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required: %w", ErrValidation)
	}
	return s.identities.FindByPatientID(ctx, patientID)
}

// FindByAlias returns the identity owning the given alias, or nil when the
// alias is unknown. An alias row pointing at a missing identity is reported
// as a data integrity failure.
func (s *Service) FindByAlias(ctx context.Context, aliasType AliasType, value string) (*Identity, error) {
	if aliasType == "" || value == "" {
		return nil, fmt.Errorf("alias_type and alias_value are required: %w", ErrValidation)
	}
	if !validAliasType(aliasType) {
		return nil, fmt.Errorf("unknown alias_type %q: %w", aliasType, ErrValidation)
	}

	alias, err := s.identities.FindAlias(ctx, aliasType, value)
	if err != nil {
		return nil, err
	}
	if alias == nil {
		return nil, nil
	}
	identity, err := s.identities.GetByID(ctx, alias.IdentityID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("alias %s %q references missing identity %s: %w",
				aliasType, value, alias.IdentityID, ErrDataIntegrity)
		}
		return nil, err
	}
	return identity, nil
}

// ListIdentities returns a page of identities with the total count.
func (s *Service) ListIdentities(ctx context.Context, limit, offset int) ([]*Identity, int, error) {
	return s.identities.List(ctx, limit, offset)
}

// GetMergeEvent loads one merge ledger entry.
func (s *Service) GetMergeEvent(ctx context.Context, id uuid.UUID) (*MergeEvent, error) {
	return s.merges.GetByID(ctx, id)
}

// ListMergeEvents returns a page of the merge ledger with the total count.
func (s *Service) ListMergeEvents(ctx context.Context, limit, offset int) ([]*MergeEvent, int, error) {
	return s.merges.List(ctx, limit, offset)
}

// ListMergesForIdentity returns merge events where the identity took part on
// either side.
func (s *Service) ListMergesForIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*MergeEvent, int, error) {
	return s.merges.ListByIdentity(ctx, identityID, limit, offset)
}

func (s *Service) changeEvent(eventType events.EventType, identity *Identity) *events.ChangeEvent {
	return &events.ChangeEvent{
		EventType:      eventType,
		PublicNumber:   identity.PublicNumber,
		IdentityID:     identity.ID,
		PatientID:      identity.PatientID,
		OrganizationID: identity.OrganizationID,
		HospitalID:     identity.HospitalID,
		DepartmentID:   identity.DepartmentID,
		OccurredAt:     time.Now().UTC(),
	}
}

// publish sends the event after the transaction has committed. Failures are
// logged and swallowed: the committed write stands regardless.
func (s *Service) publish(ctx context.Context, event *events.ChangeEvent) {
	if event == nil {
		return
	}
	if err := s.publisher.Publish(ctx, *event); err != nil {
		s.logger.Error().Err(err).
			Str("event_type", string(event.EventType)).
			Str("public_number", event.PublicNumber).
			Msg("change event publish failed")
	}
}

// mergeField overwrites dst when src is non-nil and different, reporting
// whether a change was made.
func mergeField(dst **string, src *string) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}

// mergeScope picks the scope value recorded on a merge event: primary's
// value wins, then secondary's, then the caller's.
func mergeScope(primary, secondary, actor *string) *string {
	switch {
	case primary != nil:
		v := *primary
		return &v
	case secondary != nil:
		v := *secondary
		return &v
	case actor != nil:
		v := *actor
		return &v
	}
	return nil
}

// mergeDepartment resolves the department like mergeScope, with one extra
// fallback: when neither identity nor the caller carries a department, the
// lexicographically lowest of the caller's permitted departments is used so
// the recorded value is deterministic.
func mergeDepartment(primary, secondary *Identity, actor Actor) *string {
	if d := mergeScope(primary.DepartmentID, secondary.DepartmentID, actor.DepartmentID); d != nil {
		return d
	}
	if len(actor.PermittedDepartments) == 0 {
		return nil
	}
	perms := append([]string(nil), actor.PermittedDepartments...)
	sort.Strings(perms)
	return &perms[0]
}

func actorRef(a Actor) *string {
	if a.UserID == "" {
		return nil
	}
	v := a.UserID
	return &v
}

func validAliasType(t AliasType) bool {
	switch t {
	case AliasMRN, AliasNationalID, AliasPassport, AliasDriversLicense, AliasInsuranceNumber, AliasOther:
		return true
	}
	return false
}

func validMergeType(t MergeType) bool {
	switch t {
	case MergeDuplicate, MergeDataEntry, MergeCrossFacility:
		return true
	}
	return false
}
