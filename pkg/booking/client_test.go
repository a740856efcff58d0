package booking

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestCheckSlotAvailability(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	client := NewClient(mock)

	rows := pgxmock.NewRows([]string{"status", "available", "spots_remaining", "total_capacity", "message"}).
		AddRow("success", true, int32(5), int32(14), "slot available")
	mock.ExpectQuery("SELECT \\* FROM check_slot_availability").
		WithArgs("2025-01-20", "10:00:00").
		WillReturnRows(rows)

	res, err := client.CheckSlotAvailability(context.Background(), "2025-01-20", "10:00:00")
	require.NoError(t, err)
	require.True(t, res.Available)
	require.Equal(t, 5, res.SpotsRemaining)
	require.Equal(t, 14, res.TotalCapacity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBookSlot(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	client := NewClient(mock)

	rows := pgxmock.NewRows([]string{"status", "booking_id", "booking_reference", "message"}).
		AddRow("success", "b-1", "SPA-000042", "booked")
	mock.ExpectQuery("SELECT \\* FROM book_spa_slot").
		WithArgs("Maria Rossi", "+391110002222", "2025-01-20", "10:00:00", "12:00:00").
		WillReturnRows(rows)

	res, err := client.BookSlot(context.Background(), "Maria Rossi", "+391110002222", "2025-01-20", "10:00:00", "12:00:00")
	require.NoError(t, err)
	require.Equal(t, "success", res.Status)
	require.Equal(t, "SPA-000042", res.BookingReference)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestAppointmentNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	client := NewClient(mock)

	rows := pgxmock.NewRows([]string{"status", "reference", "customer_name", "date_formatted", "time_slot", "is_future", "message"}).
		AddRow("not_found", nil, nil, nil, nil, nil, "no appointment found")
	mock.ExpectQuery("SELECT \\* FROM get_latest_appointment").
		WithArgs("+391110002222").
		WillReturnRows(rows)

	res, err := client.LatestAppointment(context.Background(), "+391110002222")
	require.NoError(t, err)
	require.Nil(t, res.Booking)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelAppointment(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	client := NewClient(mock)

	rows := pgxmock.NewRows([]string{"status", "message", "cancelled_booking"}).
		AddRow("success", "cancelled", "SPA-000042")
	mock.ExpectQuery("SELECT \\* FROM delete_appointment").
		WithArgs("+391110002222", "SPA-000042").
		WillReturnRows(rows)

	res, err := client.CancelAppointment(context.Background(), "+391110002222", "SPA-000042")
	require.NoError(t, err)
	require.Equal(t, "success", res.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByDate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	client := NewClient(mock)

	rows := pgxmock.NewRows([]string{"booking_reference", "customer_name", "slot_start_time", "slot_end_time", "status"}).
		AddRow("SPA-000042", "Maria Rossi", "10:00:00", "12:00:00", "confirmed")
	mock.ExpectQuery("SELECT booking_reference").
		WithArgs("2025-01-20").
		WillReturnRows(rows)

	out, err := client.ListByDate(context.Background(), "2025-01-20")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "SPA-000042", out[0].Reference)
	require.NoError(t, mock.ExpectationsWereMet())
}
