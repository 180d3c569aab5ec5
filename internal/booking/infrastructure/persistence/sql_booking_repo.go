// Package persistence stores bookings through the shared database layer.
package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/booking/domain"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database"
)

// SQLBookingRepository implements domain.Repository for both drivers. It
// joins the transaction held in the context when there is one.
type SQLBookingRepository struct {
	conn database.Connection
}

// NewSQLBookingRepository creates a new SQLBookingRepository.
func NewSQLBookingRepository(conn database.Connection) *SQLBookingRepository {
	return &SQLBookingRepository{conn: conn}
}

const bookingColumns = `id, slot_ref, status, service_type, occupancy, owner_permission,
	customer_email, customer_phone, postal_code, notes, external_job_id, external_status,
	created_at, updated_at`

// Create inserts a booking. A slot already held by an active booking yields
// a Conflict error; the partial unique index decides.
func (r *SQLBookingRepository) Create(ctx context.Context, b *domain.Booking) error {
	exec := database.ExecutorFromContext(ctx, r.conn)
	c := b.Customer()

	_, err := exec.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID().String(), nullString(b.SlotRef()), string(b.Status()), b.ServiceType(), string(b.Occupancy()),
		nullBool(b.OwnerPermission()), c.Email, c.Phone, c.PostalCode, b.Notes(),
		nullString(b.ExternalJobID()), nullString(b.ExternalStatus()),
		database.FormatTime(b.CreatedAt()), database.FormatTime(b.UpdatedAt()),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.Conflict("slot", "this slot has already been booked")
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// FindByID returns a booking or a NotFound error.
func (r *SQLBookingRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return r.findByID(ctx, id, false)
}

// FindByIDForUpdate is FindByID with a row lock on Postgres. SQLite
// transactions already run one at a time.
func (r *SQLBookingRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return r.findByID(ctx, id, true)
}

func (r *SQLBookingRepository) findByID(ctx context.Context, id uuid.UUID, lock bool) (*domain.Booking, error) {
	exec := database.ExecutorFromContext(ctx, r.conn)
	row := exec.QueryRow(ctx, selectByIDQuery(r.conn.Driver(), lock), id.String())
	b, err := scanBooking(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, apperrors.NotFound("booking", id.String())
		}
		return nil, fmt.Errorf("find booking: %w", err)
	}
	return b, nil
}

func selectByIDQuery(driver database.Driver, lock bool) string {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	if lock && driver == database.DriverPostgres {
		query += ` FOR UPDATE`
	}
	return query
}

// Save updates the mutable columns: status and external references. A
// stored cancellation is final: a write carrying any other status leaves
// the row untouched and returns a Conflict error.
func (r *SQLBookingRepository) Save(ctx context.Context, b *domain.Booking) error {
	exec := database.ExecutorFromContext(ctx, r.conn)
	status := string(b.Status())
	res, err := exec.Exec(ctx, `
		UPDATE bookings
		SET status = ?, external_job_id = ?, external_status = ?, updated_at = ?
		WHERE id = ? AND (status <> 'cancelled' OR CAST(? AS TEXT) = 'cancelled')`,
		status, nullString(b.ExternalJobID()), nullString(b.ExternalStatus()),
		database.FormatTime(b.UpdatedAt()), b.ID().String(), status,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.Conflict("slot", "this slot has already been booked")
		}
		return fmt.Errorf("save booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save booking: %w", err)
	}
	if n == 0 {
		if _, err := r.FindByID(ctx, b.ID()); err != nil {
			return err
		}
		return apperrors.Conflict("booking", "booking was cancelled by a concurrent request")
	}
	return nil
}

// FindActiveBySlot returns the non-cancelled booking holding slotRef, or nil.
func (r *SQLBookingRepository) FindActiveBySlot(ctx context.Context, slotRef string) (*domain.Booking, error) {
	exec := database.ExecutorFromContext(ctx, r.conn)
	row := exec.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE slot_ref = ? AND status <> 'cancelled'`, slotRef)
	b, err := scanBooking(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find booking by slot: %w", err)
	}
	return b, nil
}

func scanBooking(row database.Row) (*domain.Booking, error) {
	var (
		id, status, serviceType, occupancy string
		email, phone, postal, notes        string
		createdAt, updatedAt               string
		slotRef, extJobID, extStatus       sql.NullString
		ownerPermission                    sql.NullInt64
	)
	if err := row.Scan(&id, &slotRef, &status, &serviceType, &occupancy, &ownerPermission,
		&email, &phone, &postal, &notes, &extJobID, &extStatus, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	bookingID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse booking id: %w", err)
	}
	created, err := database.ParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	updated, err := database.ParseTime(updatedAt)
	if err != nil {
		return nil, err
	}

	var permission *bool
	if ownerPermission.Valid {
		v := ownerPermission.Int64 != 0
		permission = &v
	}

	return domain.RehydrateBooking(
		bookingID,
		stringPtr(slotRef),
		domain.Status(status),
		serviceType,
		domain.Occupancy(occupancy),
		permission,
		domain.Customer{Email: email, Phone: phone, PostalCode: postal},
		notes,
		stringPtr(extJobID),
		stringPtr(extStatus),
		created,
		updated,
	), nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return database.BoolToInt(*b)
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
