package scenario

import (
	"fmt"
	"strings"
	"time"
)

// Target selects which document collection an operation works on.
type Target string

const (
	TargetPatient  Target = "patient"
	TargetTemplate Target = "template"
)

// ParseTarget accepts the two target names plus the legacy table names.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient", "users":
		return TargetPatient, nil
	case "template", "general":
		return TargetTemplate, nil
	default:
		return "", fmt.Errorf("scenario: unknown target %q", s)
	}
}

// Client is a registered patient. RecipientID is the chat id messages go to.
type Client struct {
	ID          int64
	RecipientID int64
	FirstName   string
	LastName    string
	Phone       string
	Stage       int
	CRMID       int64
}

// Doctor is a clinic employee that appointments are booked with.
type Doctor struct {
	ID        int64
	FirstName string
	LastName  string
	CRMID     int64
}

// Appointment is the single active booking of a client.
type Appointment struct {
	ID                 int64
	ClientID           int64
	DoctorID           int64
	ProcedureID        int64
	StartTime          time.Time
	EndTime            time.Time
	Room               string
	Processed          bool
	NeedsManualRouting bool

	// Joined for scheduling; not columns of appointments.
	RecipientID     int64
	ClientFirstName string
	DoctorCRMID     int64
}

// TemplateSummary lists a stage template without its messages.
type TemplateSummary struct {
	Stage     int    `json:"stage"`
	NameStage string `json:"name_stage"`
	Revision  int64  `json:"revision"`
	Messages  int    `json:"messages"`
}

// PurgeResult counts rows removed by a stale-record sweep.
type PurgeResult struct {
	Appointments int64
	Scenarios    int64
	Clients      int64
}
