package scenario

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRenderSubstitutesKnownTokens(t *testing.T) {
	start := time.Date(2024, 3, 7, 9, 30, 0, 0, time.UTC)
	got := Render("Hello {first_name}, see {first_name_doctor} {last_name_doctor} on {start_time}.", RenderData{
		ClientFirstName: "Anna",
		DoctorFirstName: "Olga",
		DoctorLastName:  "Petrova",
		StartTime:       start,
	})
	assert.Equal(t, "Hello Anna, see Olga Petrova on 07.03 в 09:30.", got)
}

func TestRenderLeavesMissingTokensVerbatim(t *testing.T) {
	got := Render("{first_name}, {unknown} {start_time}", RenderData{})
	assert.Equal(t, "{first_name}, {unknown} {start_time}", got)

	got = Render("{first_name} and {first_name}", RenderData{ClientFirstName: "Ivan"})
	assert.Equal(t, "Ivan and Ivan", got)
}

func TestRenderMessagesRendersTimeToo(t *testing.T) {
	doc := &Document{Messages: []Message{
		{ID: 1, Content: "Hi {first_name}", Time: "0", Kind: KindText},
	}}
	doc.RenderMessages(RenderData{ClientFirstName: "Vera"})
	assert.Equal(t, "Hi Vera", doc.Messages[0].Content)
	assert.Equal(t, "0", doc.Messages[0].Time)
}

func TestRenderManualFillsClientNameAndLineBreaks(t *testing.T) {
	data := RenderData{ClientFirstName: "Anna", ClientLastName: "Ivanova", DoctorLastName: "Petrova"}
	got := RenderManual("Dear {first_name} {last_name},/nDr. {last_name_doctor} waits./n/nSee you", data)
	assert.Equal(t, "Dear Anna Ivanova,\nDr. Petrova waits.\n\nSee you", got)

	assert.Equal(t, "{last_name}\n", RenderManual("{last_name}/n", RenderData{}))
}
