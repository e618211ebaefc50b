package scenario

import (
	"strings"
	"time"
)

// Placeholder tokens recognised in message content and time fields.
const (
	TokenFirstName       = "{first_name}"
	TokenLastName        = "{last_name}"
	TokenDoctorFirstName = "{first_name_doctor}"
	TokenDoctorLastName  = "{last_name_doctor}"
	TokenStartTime       = "{start_time}"
)

// RenderData holds placeholder values. Empty strings and a zero StartTime
// count as absent and leave their tokens verbatim.
type RenderData struct {
	ClientFirstName string
	ClientLastName  string
	DoctorFirstName string
	DoctorLastName  string
	StartTime       time.Time
}

// FormatStartTime renders an appointment start as "DD.MM в HH:MM".
func FormatStartTime(t time.Time) string {
	return t.Format("02.01") + " в " + t.Format("15:04")
}

// Render substitutes placeholders literally.
func Render(text string, data RenderData) string {
	pairs := make([]string, 0, 8)
	add := func(token, value string) {
		if value != "" {
			pairs = append(pairs, token, value)
		}
	}
	add(TokenFirstName, data.ClientFirstName)
	add(TokenLastName, data.ClientLastName)
	add(TokenDoctorFirstName, data.DoctorFirstName)
	add(TokenDoctorLastName, data.DoctorLastName)
	if !data.StartTime.IsZero() {
		add(TokenStartTime, FormatStartTime(data.StartTime))
	}
	if len(pairs) == 0 {
		return text
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// ManualLineBreak is how operators type a line break in a manual send.
const ManualLineBreak = "/n"

// RenderManual renders a message picked for a manual send: placeholders as in
// Render, then every "/n" becomes a newline.
func RenderManual(text string, data RenderData) string {
	return strings.ReplaceAll(Render(text, data), ManualLineBreak, "\n")
}

// RenderMessages renders content and time of every message of d in place.
func (d *Document) RenderMessages(data RenderData) {
	for i := range d.Messages {
		d.Messages[i].Content = Render(d.Messages[i].Content, data)
		d.Messages[i].Time = Render(d.Messages[i].Time, data)
	}
}
