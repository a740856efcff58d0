// Package booking talks to the booking store's four stored procedures. The
// bridge treats them as opaque RPCs and relies on the store itself for
// concurrency control (capacity enforcement, uniqueness); this client never
// reimplements those checks locally.
package booking

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DB is the subset of *pgxpool.Pool this client needs, narrowed to an
// interface so tests can substitute pgxmock's pool without a real database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client invokes the booking store's stored procedures through the shared
// Postgres pool, matching the teacher's raw-SQL-over-pgxpool idiom rather
// than wrapping them behind an ORM or a generated querier.
type Client struct {
	db DB
}

// NewClient builds a booking Client over an existing pool.
func NewClient(db DB) *Client {
	if db == nil {
		panic("booking: pgx pool cannot be nil")
	}
	return &Client{db: db}
}

// AvailabilityResult is the decoded result of check_slot_availability.
type AvailabilityResult struct {
	Status         string
	Available      bool
	SpotsRemaining int
	TotalCapacity  int
	Message        string
}

// CheckSlotAvailability calls check_slot_availability(p_date, p_start_time).
func (c *Client) CheckSlotAvailability(ctx context.Context, date, startTime string) (*AvailabilityResult, error) {
	row := c.db.QueryRow(ctx, `SELECT * FROM check_slot_availability($1, $2)`, date, startTime)

	var (
		status         string
		available      bool
		spotsRemaining pgtype.Int4
		totalCapacity  pgtype.Int4
		message        pgtype.Text
	)
	if err := row.Scan(&status, &available, &spotsRemaining, &totalCapacity, &message); err != nil {
		return nil, fmt.Errorf("booking: check_slot_availability: %w", err)
	}

	return &AvailabilityResult{
		Status:         status,
		Available:      available,
		SpotsRemaining: int(spotsRemaining.Int32),
		TotalCapacity:  int(totalCapacity.Int32),
		Message:        message.String,
	}, nil
}

// BookResult is the decoded result of book_spa_slot.
type BookResult struct {
	Status           string
	BookingID        string
	BookingReference string
	Message          string
}

// BookSlot calls book_spa_slot(p_customer_name, p_customer_phone,
// p_booking_date, p_slot_start_time, p_slot_end_time).
func (c *Client) BookSlot(ctx context.Context, customerName, customerPhone, date, startTime, endTime string) (*BookResult, error) {
	row := c.db.QueryRow(ctx, `SELECT * FROM book_spa_slot($1, $2, $3, $4, $5)`,
		customerName, customerPhone, date, startTime, endTime)

	var (
		status    string
		bookingID pgtype.Text
		reference pgtype.Text
		message   pgtype.Text
	)
	if err := row.Scan(&status, &bookingID, &reference, &message); err != nil {
		return nil, fmt.Errorf("booking: book_spa_slot: %w", err)
	}

	return &BookResult{
		Status:           status,
		BookingID:        bookingID.String,
		BookingReference: reference.String,
		Message:          message.String,
	}, nil
}

// AppointmentInfo is the nested booking payload of get_latest_appointment.
type AppointmentInfo struct {
	Reference     string
	CustomerName  string
	DateFormatted string
	TimeSlot      string
	IsFuture      bool
}

// AppointmentResult is the decoded result of get_latest_appointment.
type AppointmentResult struct {
	Status  string
	Booking *AppointmentInfo
	Message string
}

// LatestAppointment calls get_latest_appointment(p_phone_number).
func (c *Client) LatestAppointment(ctx context.Context, phoneNumber string) (*AppointmentResult, error) {
	row := c.db.QueryRow(ctx, `SELECT * FROM get_latest_appointment($1)`, phoneNumber)

	var (
		status        string
		reference     pgtype.Text
		customerName  pgtype.Text
		dateFormatted pgtype.Text
		timeSlot      pgtype.Text
		isFuture      pgtype.Bool
		message       pgtype.Text
	)
	if err := row.Scan(&status, &reference, &customerName, &dateFormatted, &timeSlot, &isFuture, &message); err != nil {
		return nil, fmt.Errorf("booking: get_latest_appointment: %w", err)
	}

	result := &AppointmentResult{Status: status, Message: message.String}
	if reference.Valid && reference.String != "" {
		result.Booking = &AppointmentInfo{
			Reference:     reference.String,
			CustomerName:  customerName.String,
			DateFormatted: dateFormatted.String,
			TimeSlot:      timeSlot.String,
			IsFuture:      isFuture.Bool,
		}
	}
	return result, nil
}

// CancelResult is the decoded result of delete_appointment.
type CancelResult struct {
	Status           string
	Message          string
	CancelledBooking string
}

// BookingSummary is one row of the per-date booking list returned by
// ListByDate, used by the front door's /api/bookings/<date> endpoint. Unlike
// the four stored procedures above, this is a direct table read: the
// booking store exposes no by-date listing procedure, and a read-only report
// query doesn't warrant one.
type BookingSummary struct {
	Reference    string
	CustomerName string
	StartTime    string
	EndTime      string
	Status       string
}

// ListByDate returns every booking on a given date, ordered by start time.
func (c *Client) ListByDate(ctx context.Context, date string) ([]BookingSummary, error) {
	rows, err := c.db.Query(ctx, `
		SELECT booking_reference, customer_name, slot_start_time, slot_end_time, status
		FROM bookings WHERE booking_date = $1 ORDER BY slot_start_time ASC
	`, date)
	if err != nil {
		return nil, fmt.Errorf("booking: list by date: %w", err)
	}
	defer rows.Close()

	var out []BookingSummary
	for rows.Next() {
		var b BookingSummary
		if err := rows.Scan(&b.Reference, &b.CustomerName, &b.StartTime, &b.EndTime, &b.Status); err != nil {
			return nil, fmt.Errorf("booking: list by date: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CancelAppointment calls delete_appointment(p_phone_number, p_booking_reference).
func (c *Client) CancelAppointment(ctx context.Context, phoneNumber, bookingReference string) (*CancelResult, error) {
	row := c.db.QueryRow(ctx, `SELECT * FROM delete_appointment($1, $2)`, phoneNumber, bookingReference)

	var (
		status           string
		message          pgtype.Text
		cancelledBooking pgtype.Text
	)
	if err := row.Scan(&status, &message, &cancelledBooking); err != nil {
		return nil, fmt.Errorf("booking: delete_appointment: %w", err)
	}

	return &CancelResult{
		Status:           status,
		Message:          message.String,
		CancelledBooking: cancelledBooking.String,
	}, nil
}
