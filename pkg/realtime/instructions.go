package realtime

import (
	"bytes"
	"fmt"
	"text/template"
)

// instructionsTemplate is the typed configuration asset for the AI's system
// instructions: rendered once per call with the caller's phone and the spa's
// configured display name and session duration substituted in, rather than
// built ad hoc per request.
var instructionsTemplate = template.Must(template.New("instructions").Parse(`You are the booking assistant for {{.SpaName}}, speaking with a caller on the phone in Italian.
The caller's phone number is {{.CustomerPhone}}; always use this exact number when calling booking tools — never ask the caller to repeat it.
Each booked slot lasts {{.SessionDurationHours}} hours.
Use check_slot_availability before offering a time. Use book_spa_slot to confirm a booking once the caller agrees on a date and time.
Use get_latest_appointment or delete_appointment when the caller wants to check or cancel an existing booking.
Keep responses short and natural, as in a real phone conversation.`))

// InstructionsParams supplies the per-call substitutions for the instruction
// template.
type InstructionsParams struct {
	SpaName              string
	CustomerPhone        string
	SessionDurationHours int
}

// RenderInstructions renders the instruction template for one call.
func RenderInstructions(p InstructionsParams) (string, error) {
	var buf bytes.Buffer
	if err := instructionsTemplate.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("realtime: render instructions: %w", err)
	}
	return buf.String(), nil
}
