package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"sortition/internal/governance/models"
	"sortition/internal/governance/ports"
	id "sortition/pkg/domain"
	"sortition/pkg/platform/sentinel"
	txcontext "sortition/pkg/platform/tx"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store persists governance records in Postgres. Inside RunInTx every call
// runs on the transaction carried by ctx, and rows read from the pool and
// invite tables are locked until commit.
type Store struct {
	db *sql.DB
}

// New constructs a Postgres-backed store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// forUpdate locks the selected row when a transaction is in progress.
func forUpdate(ctx context.Context) string {
	if _, ok := txcontext.From(ctx); ok {
		return " FOR UPDATE"
	}
	return ""
}

// RunInTx runs fn in one database transaction. Reads of the pool and invite
// rows take row locks, which serializes redemptions against the same pool.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	return txcontext.Run(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(txCtx context.Context) error {
		return fn(txCtx, s)
	})
}

func (s *Store) FindPool(ctx context.Context, poolID id.PoolID) (*models.GovernancePool, error) {
	query := `
		SELECT total_citizens, total_citizen_indices
		FROM governance_pools
		WHERE id = $1` + forUpdate(ctx)

	var total, indices int64
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(poolID)).Scan(&total, &indices)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", poolID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find pool: %w", err)
	}
	return &models.GovernancePool{
		ID:                  poolID,
		TotalCitizens:       uint32(total),
		TotalCitizenIndices: uint32(indices),
	}, nil
}

func (s *Store) SavePool(ctx context.Context, pool *models.GovernancePool) error {
	query := `
		INSERT INTO governance_pools (id, total_citizens, total_citizen_indices)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			total_citizens = EXCLUDED.total_citizens,
			total_citizen_indices = EXCLUDED.total_citizen_indices
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(pool.ID), int64(pool.TotalCitizens), int64(pool.TotalCitizenIndices))
	if err != nil {
		return fmt.Errorf("save pool: %w", err)
	}
	return nil
}

func (s *Store) FindInvite(ctx context.Context, inviteID id.InviteID) (*models.GovernanceInvite, error) {
	query := `
		SELECT governance_pool, is_used, used_by, expires_at
		FROM governance_invites
		WHERE id = $1` + forUpdate(ctx)

	var (
		pool      uuid.UUID
		usedBy    uuid.NullUUID
		invite    = models.GovernanceInvite{ID: inviteID}
		expiresAt time.Time
	)
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(inviteID)).Scan(&pool, &invite.IsUsed, &usedBy, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invite %s: %w", inviteID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find invite: %w", err)
	}
	invite.GovernancePool = id.PoolID(pool)
	invite.ExpiresAt = expiresAt.UTC()
	if usedBy.Valid {
		participant := id.ParticipantID(usedBy.UUID)
		invite.UsedBy = &participant
	}
	return &invite, nil
}

func (s *Store) SaveInvite(ctx context.Context, invite *models.GovernanceInvite) error {
	query := `
		INSERT INTO governance_invites (id, governance_pool, is_used, used_by, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			is_used = EXCLUDED.is_used,
			used_by = EXCLUDED.used_by
	`
	var usedBy uuid.NullUUID
	if invite.UsedBy != nil {
		usedBy = uuid.NullUUID{UUID: uuid.UUID(*invite.UsedBy), Valid: true}
	}
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(invite.ID), uuid.UUID(invite.GovernancePool), invite.IsUsed, usedBy, invite.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save invite: %w", err)
	}
	return nil
}

func (s *Store) FindCitizenIndex(ctx context.Context, poolID id.PoolID, page uint32) (*models.CitizenIndex, error) {
	query := `
		SELECT citizens, count
		FROM citizen_indices
		WHERE governance_pool = $1 AND page = $2` + forUpdate(ctx)

	var (
		citizens []string
		count    int64
	)
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(poolID), int64(page)).
		Scan(pq.Array(&citizens), &count)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewUninitializedIndex(page), nil
	}
	if err != nil {
		return nil, fmt.Errorf("find citizen index: %w", err)
	}

	index := &models.CitizenIndex{
		Page:           page,
		State:          models.IndexActive,
		GovernancePool: poolID,
		Citizens:       make([]id.ParticipantID, 0, models.CitizensPerIndex),
		Count:          uint32(count),
	}
	for _, raw := range citizens {
		participant, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decode citizen index entry %q: %w", raw, err)
		}
		index.Citizens = append(index.Citizens, id.ParticipantID(participant))
	}
	return index, nil
}

// SaveCitizenIndex writes an active page. Uninitialized pages have no row.
func (s *Store) SaveCitizenIndex(ctx context.Context, poolID id.PoolID, index *models.CitizenIndex) error {
	if !index.IsActive() {
		return nil
	}
	query := `
		INSERT INTO citizen_indices (governance_pool, page, address, citizens, count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (governance_pool, page) DO UPDATE SET
			citizens = EXCLUDED.citizens,
			count = EXCLUDED.count
	`
	citizens := make([]string, len(index.Citizens))
	for i, participant := range index.Citizens {
		citizens[i] = participant.String()
	}
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(poolID), int64(index.Page), uuid.UUID(index.Address(poolID)), pq.Array(citizens), int64(index.Count))
	if err != nil {
		return fmt.Errorf("save citizen index: %w", err)
	}
	return nil
}

func (s *Store) FindCitizen(ctx context.Context, poolID id.PoolID, participant id.ParticipantID) (*models.Citizen, error) {
	query := `
		SELECT name, is_eligible, last_participation, region, age_group, other_demographic, is_initialized
		FROM citizens
		WHERE address = $1
	`
	citizen := models.Citizen{Participant: participant, GovernancePool: poolID}
	var region, ageGroup, other int16
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(id.CitizenAddress(poolID, participant))).Scan(
		&citizen.Name,
		&citizen.IsEligible,
		&citizen.LastParticipation,
		&region,
		&ageGroup,
		&other,
		&citizen.IsInitialized,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("citizen %s: %w", participant, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find citizen: %w", err)
	}
	citizen.Region = uint8(region)
	citizen.AgeGroup = uint8(ageGroup)
	citizen.OtherDemographic = uint8(other)
	return &citizen, nil
}

// CreateCitizen relies on the primary key over the derived address to reject
// a second record for the same participant.
func (s *Store) CreateCitizen(ctx context.Context, citizen *models.Citizen) error {
	query := `
		INSERT INTO citizens (
			address, governance_pool, participant, name, is_eligible,
			last_participation, region, age_group, other_demographic, is_initialized
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(citizen.Address()),
		uuid.UUID(citizen.GovernancePool),
		uuid.UUID(citizen.Participant),
		citizen.Name,
		citizen.IsEligible,
		citizen.LastParticipation,
		int16(citizen.Region),
		int16(citizen.AgeGroup),
		int16(citizen.OtherDemographic),
		citizen.IsInitialized,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("citizen %s: %w", citizen.Participant, sentinel.ErrAlreadyUsed)
	}
	if err != nil {
		return fmt.Errorf("create citizen: %w", err)
	}
	return nil
}

// AppendEvent writes the event to the outbox table for the relay.
func (s *Store) AppendEvent(ctx context.Context, event models.CitizenAdded) error {
	entry, err := models.NewOutboxEntry(event)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO outbox (id, event_type, key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		entry.ID, entry.EventType, entry.Key, entry.Payload, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// PendingEvents returns unpublished entries, oldest first.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	query := `
		SELECT id, event_type, key, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var entry models.OutboxEntry
		if err := rows.Scan(&entry.ID, &entry.EventType, &entry.Key, &entry.Payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

// MarkPublished stamps relayed entries so they are no longer pending.
func (s *Store) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE outbox SET published_at = NOW() WHERE id = ANY($1::uuid[])`
	if _, err := s.execer(ctx).ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}
