package mpi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/platform/events"
)

// -- Mock Identity Repository --

type mockIdentityRepo struct {
	identities map[uuid.UUID]*Identity
	aliases    map[uuid.UUID]*Alias

	// numberExists overrides PublicNumberExists when set.
	numberExists func(number string) bool
	numberChecks int
}

func newMockIdentityRepo() *mockIdentityRepo {
	return &mockIdentityRepo{
		identities: make(map[uuid.UUID]*Identity),
		aliases:    make(map[uuid.UUID]*Alias),
	}
}

func (m *mockIdentityRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockIdentityRepo) Create(_ context.Context, i *Identity) error {
	i.CreatedAt = time.Now()
	i.UpdatedAt = time.Now()
	m.identities[i.ID] = i
	return nil
}

func (m *mockIdentityRepo) Update(_ context.Context, i *Identity) error {
	if _, ok := m.identities[i.ID]; !ok {
		return fmt.Errorf("identity %s: %w", i.ID, ErrNotFound)
	}
	i.UpdatedAt = time.Now()
	m.identities[i.ID] = i
	return nil
}

func (m *mockIdentityRepo) withAliases(i *Identity) *Identity {
	i.Aliases = []*Alias{}
	for _, a := range m.aliases {
		if a.IdentityID == i.ID {
			i.Aliases = append(i.Aliases, a)
		}
	}
	return i
}

func (m *mockIdentityRepo) GetByID(_ context.Context, id uuid.UUID) (*Identity, error) {
	i, ok := m.identities[id]
	if !ok {
		return nil, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	return m.withAliases(i), nil
}

func (m *mockIdentityRepo) GetByPublicNumber(_ context.Context, number string) (*Identity, error) {
	for _, i := range m.identities {
		if i.PublicNumber == number {
			return m.withAliases(i), nil
		}
	}
	return nil, fmt.Errorf("identity %s: %w", number, ErrNotFound)
}

func (m *mockIdentityRepo) FindByPatientID(_ context.Context, patientID uuid.UUID) (*Identity, error) {
	for _, i := range m.identities {
		if i.PatientID != nil && *i.PatientID == patientID && i.Status != StatusMerged {
			return m.withAliases(i), nil
		}
	}
	return nil, nil
}

func (m *mockIdentityRepo) FindAlias(_ context.Context, aliasType AliasType, value string) (*Alias, error) {
	for _, a := range m.aliases {
		if a.AliasType == aliasType && a.AliasValue == value {
			return a, nil
		}
	}
	return nil, nil
}

func (m *mockIdentityRepo) PublicNumberExists(_ context.Context, number string) (bool, error) {
	m.numberChecks++
	if m.numberExists != nil {
		return m.numberExists(number), nil
	}
	for _, i := range m.identities {
		if i.PublicNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockIdentityRepo) AddAlias(_ context.Context, alias *Alias) error {
	for _, a := range m.aliases {
		if a.AliasType == alias.AliasType && a.AliasValue == alias.AliasValue {
			return fmt.Errorf("alias %s %q is already in use: %w", alias.AliasType, alias.AliasValue, ErrConflict)
		}
	}
	alias.CreatedAt = time.Now()
	m.aliases[alias.ID] = alias
	return nil
}

func (m *mockIdentityRepo) RemoveAlias(_ context.Context, aliasID uuid.UUID) error {
	if _, ok := m.aliases[aliasID]; !ok {
		return fmt.Errorf("alias %s: %w", aliasID, ErrNotFound)
	}
	delete(m.aliases, aliasID)
	return nil
}

func (m *mockIdentityRepo) List(_ context.Context, limit, offset int) ([]*Identity, int, error) {
	var result []*Identity
	for _, i := range m.identities {
		result = append(result, m.withAliases(i))
	}
	return result, len(result), nil
}

// -- Mock Merge Repository --

type mockMergeRepo struct {
	merges map[uuid.UUID]*MergeEvent
}

func newMockMergeRepo() *mockMergeRepo {
	return &mockMergeRepo{merges: make(map[uuid.UUID]*MergeEvent)}
}

func (m *mockMergeRepo) Create(_ context.Context, event *MergeEvent) error {
	m.merges[event.ID] = event
	return nil
}

func (m *mockMergeRepo) GetByID(_ context.Context, id uuid.UUID) (*MergeEvent, error) {
	e, ok := m.merges[id]
	if !ok {
		return nil, fmt.Errorf("merge event %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (m *mockMergeRepo) List(_ context.Context, limit, offset int) ([]*MergeEvent, int, error) {
	var result []*MergeEvent
	for _, e := range m.merges {
		result = append(result, e)
	}
	return result, len(result), nil
}

func (m *mockMergeRepo) ListByIdentity(_ context.Context, identityID uuid.UUID, limit, offset int) ([]*MergeEvent, int, error) {
	var result []*MergeEvent
	for _, e := range m.merges {
		if e.PrimaryID == identityID || e.SecondaryID == identityID {
			result = append(result, e)
		}
	}
	return result, len(result), nil
}

// -- Capture Publisher --

type capturePublisher struct {
	events []events.ChangeEvent
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, e events.ChangeEvent) error {
	p.events = append(p.events, e)
	return p.err
}

func newTestService() (*Service, *mockIdentityRepo, *mockMergeRepo, *capturePublisher) {
	identities := newMockIdentityRepo()
	merges := newMockMergeRepo()
	pub := &capturePublisher{}
	svc := NewService(identities, merges, pub, zerolog.Nop())
	return svc, identities, merges, pub
}

func strPtr(s string) *string { return &s }

var publicNumberPattern = regexp.MustCompile(`^EMP-\d{6}$`)

// -- LinkIdentity --

func TestLinkIdentityCreatesNewIdentity(t *testing.T) {
	svc, _, _, pub := newTestService()
	patientID := uuid.New()

	identity, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:      patientID,
		OrganizationID: strPtr("org-1"),
		AliasType:      AliasMRN,
		AliasValue:     "MRN-001",
		Actor:          Actor{UserID: "u1"},
	})
	if err != nil {
		t.Fatalf("LinkIdentity failed: %v", err)
	}

	if !publicNumberPattern.MatchString(identity.PublicNumber) {
		t.Errorf("public number %q does not match EMP-NNNNNN", identity.PublicNumber)
	}
	if identity.Status != StatusActive {
		t.Errorf("expected status ACTIVE, got %s", identity.Status)
	}
	if identity.ResolutionState != ResolutionUnverified {
		t.Errorf("expected resolution UNVERIFIED, got %s", identity.ResolutionState)
	}
	if !identity.Active {
		t.Error("expected identity to be active")
	}
	if identity.PatientID == nil || *identity.PatientID != patientID {
		t.Error("patient not linked")
	}
	if identity.FindAlias(AliasMRN, "MRN-001") == nil {
		t.Error("alias not attached")
	}
	if identity.CreatedBy == nil || *identity.CreatedBy != "u1" {
		t.Error("created_by not stamped from actor")
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	if pub.events[0].EventType != events.EventIdentityAliasCreated {
		t.Errorf("expected IDENTITY_ALIAS_CREATED, got %s", pub.events[0].EventType)
	}
	if pub.events[0].PublicNumber != identity.PublicNumber {
		t.Error("event not keyed by public number")
	}
}

func TestLinkIdentityWithoutAliasEmitsLinkedEvent(t *testing.T) {
	svc, _, _, pub := newTestService()

	identity, err := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	if err != nil {
		t.Fatalf("LinkIdentity failed: %v", err)
	}
	if identity.Aliases == nil {
		t.Error("a fresh identity must carry an empty alias list, not nil")
	}
	if len(pub.events) != 1 || pub.events[0].EventType != events.EventIdentityLinked {
		t.Fatalf("expected single IDENTITY_LINKED event, got %+v", pub.events)
	}
}

func TestLinkIdentityFieldChangeEmitsLinkedEvent(t *testing.T) {
	svc, _, _, pub := newTestService()
	patientID := uuid.New()

	if _, err := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: patientID}); err != nil {
		t.Fatalf("setup link failed: %v", err)
	}
	pub.events = nil

	updated, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:      patientID,
		OrganizationID: strPtr("org-new"),
	})
	if err != nil {
		t.Fatalf("second link failed: %v", err)
	}
	if updated.OrganizationID == nil || *updated.OrganizationID != "org-new" {
		t.Error("organization change not persisted")
	}
	if len(pub.events) != 1 || pub.events[0].EventType != events.EventIdentityLinked {
		t.Fatalf("expected IDENTITY_LINKED for a field-changing link, got %+v", pub.events)
	}
}

func TestLinkIdentityIsIdempotent(t *testing.T) {
	svc, repo, _, pub := newTestService()
	patientID := uuid.New()
	req := &LinkRequest{
		PatientID:  patientID,
		AliasType:  AliasMRN,
		AliasValue: "MRN-002",
	}

	first, err := svc.LinkIdentity(context.Background(), req)
	if err != nil {
		t.Fatalf("first link failed: %v", err)
	}
	second, err := svc.LinkIdentity(context.Background(), req)
	if err != nil {
		t.Fatalf("second link failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same identity, got %s and %s", first.ID, second.ID)
	}
	if len(repo.identities) != 1 {
		t.Errorf("expected 1 identity, got %d", len(repo.identities))
	}
	if len(repo.aliases) != 1 {
		t.Errorf("expected 1 alias, got %d", len(repo.aliases))
	}
	// Second call changed nothing, so no second event.
	if len(pub.events) != 1 {
		t.Errorf("expected 1 event total, got %d", len(pub.events))
	}
}

func TestLinkIdentityResolvesByAlias(t *testing.T) {
	svc, repo, _, _ := newTestService()

	// An identity without a patient link, reachable only through its alias.
	existing := &Identity{
		ID:              uuid.New(),
		PublicNumber:    "EMP-111111",
		Status:          StatusActive,
		ResolutionState: ResolutionUnverified,
		Active:          true,
	}
	repo.identities[existing.ID] = existing
	alias := &Alias{ID: uuid.New(), IdentityID: existing.ID, AliasType: AliasNationalID, AliasValue: "NID-77", Active: true}
	repo.aliases[alias.ID] = alias

	patientID := uuid.New()
	resolved, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  patientID,
		AliasType:  AliasNationalID,
		AliasValue: "NID-77",
		Metadata:   strPtr(`{"ward":"7B"}`),
	})
	if err != nil {
		t.Fatalf("LinkIdentity failed: %v", err)
	}
	if resolved.ID != existing.ID {
		t.Error("alias resolution created a new identity")
	}
	if resolved.PatientID == nil || *resolved.PatientID != patientID {
		t.Error("patient not linked onto the alias owner")
	}
	if resolved.Metadata == nil || *resolved.Metadata != `{"ward":"7B"}` {
		t.Error("non-nil metadata was not applied")
	}
	if resolved.PublicNumber != "EMP-111111" {
		t.Error("public number must never change")
	}
}

func TestLinkIdentityAliasBoundToOtherPatientConflicts(t *testing.T) {
	svc, _, _, _ := newTestService()

	if _, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  uuid.New(),
		AliasType:  AliasMRN,
		AliasValue: "MRN-SHARED",
	}); err != nil {
		t.Fatalf("setup link failed: %v", err)
	}

	_, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  uuid.New(),
		AliasType:  AliasMRN,
		AliasValue: "MRN-SHARED",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestLinkIdentityAliasOwnedByOtherIdentityConflicts(t *testing.T) {
	svc, _, _, _ := newTestService()
	patientA := uuid.New()

	if _, err := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: patientA}); err != nil {
		t.Fatalf("setup link A failed: %v", err)
	}
	if _, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  uuid.New(),
		AliasType:  AliasPassport,
		AliasValue: "P-123",
	}); err != nil {
		t.Fatalf("setup link B failed: %v", err)
	}

	// Patient A resolves to identity A, but the requested alias belongs to B.
	_, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  patientA,
		AliasType:  AliasPassport,
		AliasValue: "P-123",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestLinkIdentityOrphanAliasIsDataIntegrityError(t *testing.T) {
	svc, repo, _, _ := newTestService()

	orphan := &Alias{
		ID:         uuid.New(),
		IdentityID: uuid.New(), // no such identity
		AliasType:  AliasMRN,
		AliasValue: "MRN-ORPHAN",
	}
	repo.aliases[orphan.ID] = orphan

	_, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  uuid.New(),
		AliasType:  AliasMRN,
		AliasValue: "MRN-ORPHAN",
	})
	if !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity, got %v", err)
	}
}

func TestLinkIdentityValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name string
		req  *LinkRequest
	}{
		{"missing patient", &LinkRequest{}},
		{"alias type without value", &LinkRequest{PatientID: uuid.New(), AliasType: AliasMRN}},
		{"alias value without type", &LinkRequest{PatientID: uuid.New(), AliasValue: "X"}},
		{"unknown alias type", &LinkRequest{PatientID: uuid.New(), AliasType: "BADGE", AliasValue: "X"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.LinkIdentity(ctx, tc.req); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestLinkIdentityNumberSpaceExhaustion(t *testing.T) {
	svc, repo, _, _ := newTestService()
	repo.numberExists = func(string) bool { return true }

	_, err := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	if !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity, got %v", err)
	}
	if repo.numberChecks != maxNumberAttempts {
		t.Errorf("expected %d generation attempts, got %d", maxNumberAttempts, repo.numberChecks)
	}
}

// -- AddAlias --

func TestAddAlias(t *testing.T) {
	svc, _, _, pub := newTestService()

	identity, err := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	if err != nil {
		t.Fatalf("setup link failed: %v", err)
	}
	pub.events = nil

	alias, err := svc.AddAlias(context.Background(), identity.ID, &AliasRequest{
		AliasType:  AliasInsuranceNumber,
		AliasValue: "INS-9",
		Actor:      Actor{UserID: "u2"},
	})
	if err != nil {
		t.Fatalf("AddAlias failed: %v", err)
	}
	if alias.AliasType != AliasInsuranceNumber || alias.AliasValue != "INS-9" {
		t.Errorf("unexpected alias returned: %s %q", alias.AliasType, alias.AliasValue)
	}
	if alias.IdentityID != identity.ID {
		t.Error("alias not bound to the identity")
	}
	if alias.CreatedBy == nil || *alias.CreatedBy != "u2" {
		t.Error("created_by not stamped from actor")
	}

	reloaded, err := svc.GetIdentity(context.Background(), identity.ID)
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if reloaded.FindAlias(AliasInsuranceNumber, "INS-9") == nil {
		t.Error("alias not attached")
	}
	if len(pub.events) != 1 || pub.events[0].EventType != events.EventIdentityAliasCreated {
		t.Fatalf("expected IDENTITY_ALIAS_CREATED, got %+v", pub.events)
	}
}

func TestAddAliasDuplicateOnSameIdentityIsNoop(t *testing.T) {
	svc, repo, _, pub := newTestService()

	identity, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  uuid.New(),
		AliasType:  AliasMRN,
		AliasValue: "MRN-DUP",
	})
	if err != nil {
		t.Fatalf("setup link failed: %v", err)
	}
	pub.events = nil

	held, err := svc.AddAlias(context.Background(), identity.ID, &AliasRequest{
		AliasType:  AliasMRN,
		AliasValue: "MRN-DUP",
	})
	if err != nil {
		t.Fatalf("AddAlias failed: %v", err)
	}
	if held.ID != identity.Aliases[0].ID {
		t.Error("no-op should return the alias already held")
	}
	if len(repo.aliases) != 1 {
		t.Errorf("expected 1 alias, got %d", len(repo.aliases))
	}
	if len(pub.events) != 0 {
		t.Errorf("no-op must not publish, got %d events", len(pub.events))
	}
}

func TestAddAliasHeldByOtherIdentityConflicts(t *testing.T) {
	svc, _, _, _ := newTestService()

	if _, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  uuid.New(),
		AliasType:  AliasMRN,
		AliasValue: "MRN-TAKEN",
	}); err != nil {
		t.Fatalf("setup link failed: %v", err)
	}
	other, err := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	if err != nil {
		t.Fatalf("setup link failed: %v", err)
	}

	_, err = svc.AddAlias(context.Background(), other.ID, &AliasRequest{
		AliasType:  AliasMRN,
		AliasValue: "MRN-TAKEN",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAddAliasUnknownIdentity(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.AddAlias(context.Background(), uuid.New(), &AliasRequest{
		AliasType:  AliasMRN,
		AliasValue: "X",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// -- RemoveAlias --

func TestRemoveAlias(t *testing.T) {
	svc, repo, _, pub := newTestService()

	identity, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  uuid.New(),
		AliasType:  AliasMRN,
		AliasValue: "MRN-RM",
	})
	if err != nil {
		t.Fatalf("setup link failed: %v", err)
	}
	aliasID := identity.Aliases[0].ID
	pub.events = nil

	updated, err := svc.RemoveAlias(context.Background(), identity.ID, aliasID)
	if err != nil {
		t.Fatalf("RemoveAlias failed: %v", err)
	}
	if len(updated.Aliases) != 0 {
		t.Error("alias still attached")
	}
	if len(repo.aliases) != 0 {
		t.Error("alias still in store")
	}
	if len(pub.events) != 0 {
		t.Errorf("alias removal must not publish, got %d events", len(pub.events))
	}
}

func TestRemoveAliasBelongingToOtherIdentity(t *testing.T) {
	svc, _, _, _ := newTestService()

	owner, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  uuid.New(),
		AliasType:  AliasMRN,
		AliasValue: "MRN-OWNED",
	})
	if err != nil {
		t.Fatalf("setup link failed: %v", err)
	}
	other, err := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	if err != nil {
		t.Fatalf("setup link failed: %v", err)
	}

	_, err = svc.RemoveAlias(context.Background(), other.ID, owner.Aliases[0].ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// -- MergeIdentities --

func TestMergeIdentities(t *testing.T) {
	svc, repo, merges, pub := newTestService()

	primary, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:      uuid.New(),
		OrganizationID: strPtr("org-p"),
		AliasType:      AliasMRN,
		AliasValue:     "MRN-P",
	})
	if err != nil {
		t.Fatalf("setup primary failed: %v", err)
	}
	secondary, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  uuid.New(),
		HospitalID: strPtr("hosp-s"),
		AliasType:  AliasMRN,
		AliasValue: "MRN-S",
	})
	if err != nil {
		t.Fatalf("setup secondary failed: %v", err)
	}
	pub.events = nil

	merge, err := svc.MergeIdentities(context.Background(), primary.ID, &MergeRequest{
		SecondaryID: secondary.ID,
		MergeType:   MergeDuplicate,
		Resolution:  "same person, duplicate registration",
		Actor:       Actor{UserID: "admin-1", DepartmentID: strPtr("dept-a")},
	})
	if err != nil {
		t.Fatalf("MergeIdentities failed: %v", err)
	}

	sec, _ := repo.GetByID(context.Background(), secondary.ID)
	if sec.Status != StatusMerged || sec.ResolutionState != ResolutionConfirmed || sec.Active {
		t.Errorf("secondary not retired: status=%s state=%s active=%v", sec.Status, sec.ResolutionState, sec.Active)
	}
	// No alias migrates to the primary.
	if sec.FindAlias(AliasMRN, "MRN-S") == nil {
		t.Error("secondary lost its alias")
	}
	// The primary only receives an audit stamp; merging must not verify it.
	prim, _ := repo.GetByID(context.Background(), primary.ID)
	if prim.Status != StatusActive || prim.ResolutionState != ResolutionUnverified {
		t.Errorf("primary state wrong: status=%s state=%s", prim.Status, prim.ResolutionState)
	}
	if prim.UpdatedBy == nil || *prim.UpdatedBy != "admin-1" {
		t.Error("primary not stamped with the merging actor")
	}
	if prim.FindAlias(AliasMRN, "MRN-S") != nil {
		t.Error("alias migrated to primary")
	}

	if merge.UndoToken == "" {
		t.Error("undo token not generated")
	}
	// Scope preference: primary's org, secondary's hospital, actor's department.
	if merge.OrganizationID == nil || *merge.OrganizationID != "org-p" {
		t.Error("merge organization should come from primary")
	}
	if merge.HospitalID == nil || *merge.HospitalID != "hosp-s" {
		t.Error("merge hospital should fall back to secondary")
	}
	if merge.DepartmentID == nil || *merge.DepartmentID != "dept-a" {
		t.Error("merge department should fall back to actor")
	}
	if _, err := merges.GetByID(context.Background(), merge.ID); err != nil {
		t.Error("merge event not persisted")
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	e := pub.events[0]
	if e.EventType != events.EventIdentitiesMerged {
		t.Errorf("expected IDENTITIES_MERGED, got %s", e.EventType)
	}
	if e.PrimaryNumber == nil || *e.PrimaryNumber != primary.PublicNumber {
		t.Error("event missing primary number")
	}
	if e.SecondaryNumber == nil || *e.SecondaryNumber != secondary.PublicNumber {
		t.Error("event missing secondary number")
	}
}

func TestMergeIdentitiesSelfMerge(t *testing.T) {
	svc, _, _, _ := newTestService()
	id := uuid.New()
	_, err := svc.MergeIdentities(context.Background(), id, &MergeRequest{
		SecondaryID: id,
		MergeType:   MergeDuplicate,
		Resolution:  "r",
	})
	if !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected ErrBusinessRule, got %v", err)
	}
}

func TestMergeIdentitiesAlreadyMergedSecondary(t *testing.T) {
	svc, _, _, _ := newTestService()

	primary, _ := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	secondary, _ := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	third, _ := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})

	if _, err := svc.MergeIdentities(context.Background(), primary.ID, &MergeRequest{
		SecondaryID: secondary.ID,
		MergeType:   MergeDuplicate,
		Resolution:  "r",
	}); err != nil {
		t.Fatalf("first merge failed: %v", err)
	}

	_, err := svc.MergeIdentities(context.Background(), third.ID, &MergeRequest{
		SecondaryID: secondary.ID,
		MergeType:   MergeDuplicate,
		Resolution:  "r",
	})
	if !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected ErrBusinessRule, got %v", err)
	}
}

func TestMergeIdentitiesUnknownIdentity(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.MergeIdentities(context.Background(), uuid.New(), &MergeRequest{
		SecondaryID: uuid.New(),
		MergeType:   MergeDuplicate,
		Resolution:  "r",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMergeIdentitiesValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	primary, _ := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	secondary, _ := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})

	if _, err := svc.MergeIdentities(context.Background(), primary.ID, &MergeRequest{
		SecondaryID: secondary.ID,
		MergeType:   "WRONG",
		Resolution:  "r",
	}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for merge type, got %v", err)
	}
	if _, err := svc.MergeIdentities(context.Background(), primary.ID, &MergeRequest{
		SecondaryID: secondary.ID,
		MergeType:   MergeDuplicate,
	}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for missing resolution, got %v", err)
	}
}

func TestMergeDepartmentFallsBackToLowestPermitted(t *testing.T) {
	svc, _, _, _ := newTestService()

	primary, _ := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	secondary, _ := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})

	merge, err := svc.MergeIdentities(context.Background(), primary.ID, &MergeRequest{
		SecondaryID: secondary.ID,
		MergeType:   MergeCrossFacility,
		Resolution:  "r",
		Actor:       Actor{UserID: "u", PermittedDepartments: []string{"zeta", "alpha", "mid"}},
	})
	if err != nil {
		t.Fatalf("MergeIdentities failed: %v", err)
	}
	if merge.DepartmentID == nil || *merge.DepartmentID != "alpha" {
		t.Fatalf("expected department alpha, got %v", merge.DepartmentID)
	}
}

// -- Publish failures never fail the operation --

func TestPublishFailureIsSwallowed(t *testing.T) {
	svc, _, _, pub := newTestService()
	pub.err = fmt.Errorf("webhook receiver down")

	if _, err := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()}); err != nil {
		t.Fatalf("publish failure leaked to caller: %v", err)
	}
}

// -- Lookups --

func TestFindByAlias(t *testing.T) {
	svc, repo, _, _ := newTestService()

	identity, err := svc.LinkIdentity(context.Background(), &LinkRequest{
		PatientID:  uuid.New(),
		AliasType:  AliasDriversLicense,
		AliasValue: "DL-5",
	})
	if err != nil {
		t.Fatalf("setup link failed: %v", err)
	}

	found, err := svc.FindByAlias(context.Background(), AliasDriversLicense, "DL-5")
	if err != nil {
		t.Fatalf("FindByAlias failed: %v", err)
	}
	if found == nil || found.ID != identity.ID {
		t.Error("alias did not resolve to its identity")
	}

	missing, err := svc.FindByAlias(context.Background(), AliasDriversLicense, "DL-NOPE")
	if err != nil {
		t.Fatalf("unexpected error for unknown alias: %v", err)
	}
	if missing != nil {
		t.Error("unknown alias should resolve to nil")
	}

	orphan := &Alias{ID: uuid.New(), IdentityID: uuid.New(), AliasType: AliasOther, AliasValue: "ORPHAN"}
	repo.aliases[orphan.ID] = orphan
	if _, err := svc.FindByAlias(context.Background(), AliasOther, "ORPHAN"); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for orphan alias, got %v", err)
	}
}

func TestFindByPatientIDSkipsMerged(t *testing.T) {
	svc, _, _, _ := newTestService()

	primary, _ := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	secondary, _ := svc.LinkIdentity(context.Background(), &LinkRequest{PatientID: uuid.New()})
	secondaryPatient := *secondary.PatientID

	if _, err := svc.MergeIdentities(context.Background(), primary.ID, &MergeRequest{
		SecondaryID: secondary.ID,
		MergeType:   MergeDuplicate,
		Resolution:  "r",
	}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	found, err := svc.FindByPatientID(context.Background(), secondaryPatient)
	if err != nil {
		t.Fatalf("FindByPatientID failed: %v", err)
	}
	if found != nil {
		t.Error("merged identity should not resolve by patient")
	}
}
