package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/medidesk/opd-scheduler/pkg/logging"
)

// ConsultationStatus is a doctor's live presence signal. The core never sets
// a doctor In automatically; In comes only from the manual toggle.
type ConsultationStatus string

const (
	StatusIn  ConsultationStatus = "in"
	StatusOut ConsultationStatus = "out"
)

// Record is one doctor's current presence.
type Record struct {
	DoctorID  uuid.UUID          `json:"doctor_id"`
	Status    ConsultationStatus `json:"status"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const cacheTTL = 30 * time.Second

// Store persists doctor presence in Postgres with a short-lived Redis cache
// in front, since the lifecycle sweeper reads presence for every doctor on
// every tick.
type Store struct {
	db     DB
	cache  *redis.Client
	logger *logging.Logger
}

// NewStore creates a presence store. The Redis client is optional; without
// it every read goes to Postgres.
func NewStore(db DB, cache *redis.Client, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{db: db, cache: cache, logger: logger.WithComponent("presence")}
}

func cacheKey(doctorID uuid.UUID) string {
	return "presence:" + doctorID.String()
}

// Get returns the doctor's presence, defaulting to Out when no row exists
// yet: a doctor who never toggled is not consulting.
func (s *Store) Get(ctx context.Context, doctorID uuid.UUID) (Record, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, cacheKey(doctorID)).Result()
		if err == nil {
			var rec Record
			if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr == nil {
				return rec, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn("presence cache read failed", "doctor_id", doctorID, "error", err)
		}
	}

	rec := Record{DoctorID: doctorID, Status: StatusOut}
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT status, updated_at FROM doctor_presence WHERE doctor_id = $1`,
		doctorID).Scan(&status, &rec.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("presence: get: %w", err)
	}
	if err == nil {
		rec.Status = ConsultationStatus(status)
	}

	s.fillCache(ctx, rec)
	return rec, nil
}

// Set records a manual presence toggle and invalidates the cache.
func (s *Store) Set(ctx context.Context, doctorID uuid.UUID, status ConsultationStatus) (Record, error) {
	if status != StatusIn && status != StatusOut {
		return Record{}, fmt.Errorf("presence: invalid status %q", status)
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO doctor_presence (doctor_id, status, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (doctor_id) DO UPDATE SET status = $2, updated_at = $3`,
		doctorID, string(status), now)
	if err != nil {
		return Record{}, fmt.Errorf("presence: set: %w", err)
	}

	rec := Record{DoctorID: doctorID, Status: status, UpdatedAt: now}
	if s.cache != nil {
		if err := s.cache.Del(ctx, cacheKey(doctorID)).Err(); err != nil {
			s.logger.Warn("presence cache invalidate failed", "doctor_id", doctorID, "error", err)
		}
	}
	s.fillCache(ctx, rec)

	s.logger.Info("doctor presence updated", "doctor_id", doctorID, "status", status)
	return rec, nil
}

func (s *Store) fillCache(ctx context.Context, rec Record) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(rec.DoctorID), data, cacheTTL).Err(); err != nil {
		s.logger.Warn("presence cache write failed", "doctor_id", rec.DoctorID, "error", err)
	}
}
