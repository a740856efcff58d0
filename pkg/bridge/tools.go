package bridge

import "github.com/birddigital/spa-voice-bridge/pkg/realtime"

// toolSchemas describes the four booking tools to the AI session. The shapes
// here are the contract the dispatcher implements; changing a parameter name
// here without updating pkg/dispatch breaks tool dispatch silently.
func toolSchemas() []realtime.ToolSchema {
	return []realtime.ToolSchema{
		{
			Type:        "function",
			Name:        "check_slot_availability",
			Description: "Check whether a spa slot is available on a given date and start time.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date":       map[string]any{"type": "string", "description": "Date in YYYY-MM-DD format."},
					"start_time": map[string]any{"type": "string", "description": "Start time in HH:MM 24-hour format."},
				},
				"required": []string{"date", "start_time"},
			},
		},
		{
			Type:        "function",
			Name:        "book_spa_slot",
			Description: "Book a spa slot for the caller on a given date and start time.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":       map[string]any{"type": "string", "description": "Customer's full name."},
					"date":       map[string]any{"type": "string", "description": "Date in YYYY-MM-DD format."},
					"start_time": map[string]any{"type": "string", "description": "Start time in HH:MM 24-hour format."},
				},
				"required": []string{"name", "date", "start_time"},
			},
		},
		{
			Type:        "function",
			Name:        "get_latest_appointment",
			Description: "Look up the caller's most recent appointment.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Type:        "function",
			Name:        "delete_appointment",
			Description: "Cancel an existing appointment for the caller, optionally by reference code.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"booking_reference": map[string]any{"type": "string", "description": "Booking reference code, if known."},
				},
			},
		},
	}
}
