// Package dispatch maps AI tool-call names to booking-client calls. It is
// transport-agnostic: it takes a tool name, its raw JSON arguments, and the
// caller's phone number, and returns a result map; the bridge owns framing
// the result back to the AI as a function_call_output plus response.create.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/birddigital/spa-voice-bridge/pkg/booking"
	"github.com/birddigital/spa-voice-bridge/pkg/logging"
)

// ErrUnknownTool names the failure of a tool name this dispatcher doesn't
// recognize. Dispatch itself never returns it: an unknown tool is reported as
// {"error": "unknown function"} in the result map.
var ErrUnknownTool = errors.New("dispatch: unknown function")

// DefaultTimeout is the deadline applied to a tool dispatch when the caller
// doesn't configure one.
const DefaultTimeout = 15 * time.Second

// Dispatcher services AI tool calls against the booking store.
type Dispatcher struct {
	booking              *booking.Client
	log                  *logging.Logger
	sessionDurationHours int
	timeout              time.Duration
}

// New builds a Dispatcher. sessionDurationHours and timeout come from
// configuration (SESSION_DURATION_HOURS and a caller-configured deadline,
// defaulting to DefaultTimeout).
func New(bookingClient *booking.Client, log *logging.Logger, sessionDurationHours int, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		booking:              bookingClient,
		log:                  log,
		sessionDurationHours: sessionDurationHours,
		timeout:              timeout,
	}
}

// Dispatch runs one tool call and returns its result map plus whether it
// succeeded. It never returns an error itself: booking-store failures and
// timeouts are folded into the result so the bridge can always forward
// something to the AI.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, argumentsJSON string, callerPhone string) (map[string]any, bool) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var (
		result  map[string]any
		success bool
		err     error
	)

	switch toolName {
	case "check_slot_availability":
		result, success, err = d.checkSlotAvailability(ctx, argumentsJSON)
	case "book_spa_slot":
		result, success, err = d.bookSpaSlot(ctx, argumentsJSON, callerPhone)
	case "get_latest_appointment":
		result, success, err = d.getLatestAppointment(ctx, callerPhone)
	case "delete_appointment":
		result, success, err = d.deleteAppointment(ctx, argumentsJSON, callerPhone)
	default:
		d.log.Warn("dispatch: unknown tool requested", "tool", toolName)
		return map[string]any{"error": "unknown function"}, false
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		d.log.Warn("dispatch: tool call timed out", "tool", toolName)
		return map[string]any{"error": "timeout"}, false
	}
	if err != nil {
		d.log.Warn("dispatch: tool call failed", "tool", toolName, "err", err)
		return map[string]any{"error": err.Error()}, false
	}
	return result, success
}

type availabilityArgs struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
}

func (d *Dispatcher) checkSlotAvailability(ctx context.Context, argumentsJSON string) (map[string]any, bool, error) {
	var args availabilityArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return nil, false, fmt.Errorf("invalid arguments: %w", err)
	}

	res, err := d.booking.CheckSlotAvailability(ctx, args.Date, normalizeTime(args.StartTime))
	if err != nil {
		return nil, false, err
	}

	message := res.Message
	if !res.Available {
		message = "Slot non disponibile"
	}

	return map[string]any{
		"available":       res.Available,
		"spots_remaining": res.SpotsRemaining,
		"message":         message,
	}, true, nil
}

type bookArgs struct {
	Name      string `json:"name"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
}

func (d *Dispatcher) bookSpaSlot(ctx context.Context, argumentsJSON, callerPhone string) (map[string]any, bool, error) {
	var args bookArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return nil, false, fmt.Errorf("invalid arguments: %w", err)
	}

	startTime := normalizeTime(args.StartTime)
	endTime := addHours(startTime, d.sessionDurationHours)

	res, err := d.booking.BookSlot(ctx, args.Name, callerPhone, args.Date, startTime, endTime)
	if err != nil {
		return nil, false, err
	}

	success := res.Status == "success"
	result := map[string]any{
		"success": success,
		"message": res.Message,
	}
	if res.BookingReference != "" {
		result["booking_reference"] = res.BookingReference
	}
	return result, success, nil
}

func (d *Dispatcher) getLatestAppointment(ctx context.Context, callerPhone string) (map[string]any, bool, error) {
	res, err := d.booking.LatestAppointment(ctx, callerPhone)
	if err != nil {
		return nil, false, err
	}

	if res.Booking == nil {
		return map[string]any{"found": false, "message": res.Message}, true, nil
	}

	return map[string]any{
		"found":             true,
		"booking_reference": res.Booking.Reference,
		"customer_name":     res.Booking.CustomerName,
		"date":              res.Booking.DateFormatted,
		"time":              res.Booking.TimeSlot,
		"message":           res.Message,
	}, true, nil
}

type cancelArgs struct {
	BookingReference string `json:"booking_reference"`
}

func (d *Dispatcher) deleteAppointment(ctx context.Context, argumentsJSON, callerPhone string) (map[string]any, bool, error) {
	var args cancelArgs
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return nil, false, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	reference := args.BookingReference
	if reference == "" {
		latest, err := d.booking.LatestAppointment(ctx, callerPhone)
		if err != nil {
			return nil, false, err
		}
		if latest.Booking == nil {
			return map[string]any{"success": false, "message": "no appointment found to cancel"}, false, nil
		}
		reference = latest.Booking.Reference
	}

	res, err := d.booking.CancelAppointment(ctx, callerPhone, reference)
	if err != nil {
		return nil, false, err
	}

	success := res.Status == "success"
	return map[string]any{"success": success, "message": res.Message}, success, nil
}

// normalizeTime converts HH:MM to HH:MM:00 for the booking store. Times that
// already carry seconds are returned unchanged.
func normalizeTime(hhmm string) string {
	if len(hhmm) == 5 {
		return hhmm + ":00"
	}
	return hhmm
}

// addHours adds an integer number of hours to an HH:MM:SS time string,
// wrapping within a 24-hour day.
func addHours(hhmmss string, hours int) string {
	var h, m, s int
	if _, err := fmt.Sscanf(hhmmss, "%d:%d:%d", &h, &m, &s); err != nil {
		return hhmmss
	}
	h = (h + hours) % 24
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
