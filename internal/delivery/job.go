package delivery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-assistant/internal/scenario"
)

// Job names registered on the worker.
const (
	JobDeliver       = "scenario.deliver"
	JobFollowUpCheck = "scenario.followup_check"
	JobSweep         = "scenario.sweep"
	JobCRMRefresh    = "crm.refresh"
	JobPurge         = "records.purge"
)

// DeliveryJob is one deferred send. An oversized message fans out into two
// jobs that share MessageKey and differ in Part.
type DeliveryJob struct {
	RecipientID int64         `json:"recipient_id"`
	MessageID   int           `json:"message_id"`
	MessageKey  uuid.UUID     `json:"message_key"`
	Part        int           `json:"part"`
	Content     string        `json:"content"`
	URL         string        `json:"url,omitempty"`
	Kind        scenario.Kind `json:"type"`
	SurveyID    *int64        `json:"survey_id,omitempty"`
	Stage       int           `json:"stage"`
	DoctorCRMID int64         `json:"doctor_crm_id,omitempty"`
	Revision    int64         `json:"revision"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// ID is deterministic so re-scheduling the same message at the same time
// collapses into the job already queued.
func (j DeliveryJob) ID() string {
	return fmt.Sprintf("deliver:%d:%d:%s:%d:%d",
		j.RecipientID, j.Stage, j.MessageKey, j.Part, j.ScheduledAt.Unix())
}

// FollowUpCheck is the payload of the deferred pregnancy-test check.
type FollowUpCheck struct {
	RecipientID int64     `json:"recipient_id"`
	ClientID    int64     `json:"client_id"`
	EventStart  time.Time `json:"event_start"`
}

func (c FollowUpCheck) ID() string {
	return fmt.Sprintf("followup:%d:%d", c.RecipientID, c.EventStart.Unix())
}
