package binder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-assistant/internal/observability/metrics"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// Outcome reports what Bind did with a booking.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomePending   Outcome = "pending"
	OutcomeStale     Outcome = "stale"
	OutcomeSkipped   Outcome = "skipped"
)

// Booking is a CRM appointment for a registered patient.
type Booking struct {
	RecipientID int64
	ProcedureID int64
	DoctorFirst string
	DoctorLast  string
	Start       time.Time
	End         time.Time
	Room        string
}

// Store is the persistence the binder needs.
type Store interface {
	FindClientByRecipient(ctx context.Context, recipientID int64) (*scenario.Client, error)
	FindDoctorByName(ctx context.Context, firstName, lastName string) (*scenario.Doctor, error)
	LoadAppointment(ctx context.Context, clientID int64) (*scenario.Appointment, error)
	LoadTemplate(ctx context.Context, stage int) (*scenario.Document, error)
	CommitBinding(ctx context.Context, b scenario.Binding) error
}

// MediaResolver finds doctor-specific media for a template slot.
type MediaResolver interface {
	Resolve(ctx context.Context, stage, slot int, doctorCRMID int64) (string, error)
}

// Binder turns CRM bookings into the patient's active appointment and
// instantiated scenario document.
type Binder struct {
	store   Store
	stages  *StageTable
	media   MediaResolver
	metrics *metrics.ScenarioMetrics
	logger  *logging.Logger
}

func New(store Store, stages *StageTable, logger *logging.Logger) *Binder {
	if store == nil {
		panic("binder: store cannot be nil")
	}
	if stages == nil {
		stages = DefaultStageTable()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Binder{store: store, stages: stages, logger: logger}
}

func (b *Binder) WithMedia(r MediaResolver) *Binder {
	b.media = r
	return b
}

func (b *Binder) WithMetrics(m *metrics.ScenarioMetrics) *Binder {
	b.metrics = m
	return b
}

// Stages exposes the procedure table.
func (b *Binder) Stages() *StageTable {
	return b.stages
}

// Bind applies one booking. Stale and unchanged bookings are not errors.
func (b *Binder) Bind(ctx context.Context, booking Booking) (Outcome, error) {
	outcome, err := b.bind(ctx, booking)
	if err != nil {
		outcome = OutcomeSkipped
	}
	b.metrics.ObserveBind(string(outcome))
	return outcome, err
}

func (b *Binder) bind(ctx context.Context, booking Booking) (Outcome, error) {
	client, err := b.store.FindClientByRecipient(ctx, booking.RecipientID)
	if err != nil {
		return "", fmt.Errorf("binder: client: %w", err)
	}
	doctor, err := b.store.FindDoctorByName(ctx, booking.DoctorFirst, booking.DoctorLast)
	if err != nil {
		return "", fmt.Errorf("binder: doctor: %w", err)
	}

	stage, mapped := b.stages.Stage(booking.ProcedureID)
	if !mapped {
		stage = 1
	}

	existing, err := b.store.LoadAppointment(ctx, client.ID)
	if err != nil && !errors.Is(err, scenario.ErrNotFound) {
		return "", fmt.Errorf("binder: existing appointment: %w", err)
	}
	outcome := OutcomeCreated
	if existing != nil {
		if existing.ProcedureID == booking.ProcedureID {
			return OutcomeUnchanged, nil
		}
		currentStage, currentMapped := b.stages.Stage(existing.ProcedureID)
		if currentMapped && mapped {
			if stage < currentStage {
				b.logger.Info("binder: ignoring booking for an earlier stage",
					"recipient_id", booking.RecipientID,
					"procedure_id", booking.ProcedureID,
					"stage", stage,
					"current_stage", currentStage,
					"error", scenario.ErrStaleBooking)
				return OutcomeStale, nil
			}
			if !existing.Processed {
				return OutcomePending, nil
			}
		}
		outcome = OutcomeReplaced
	}

	tmpl, err := b.store.LoadTemplate(ctx, stage)
	if err != nil {
		return "", fmt.Errorf("binder: template for stage %d: %w", stage, err)
	}
	doc := tmpl.Clone()
	doc.Revision = 0
	doc.RenderMessages(scenario.RenderData{
		ClientFirstName: client.FirstName,
		DoctorFirstName: doctor.FirstName,
		DoctorLastName:  doctor.LastName,
		StartTime:       booking.Start,
	})
	b.attachMedia(ctx, doc, stage, doctor.CRMID)

	appt := scenario.Appointment{
		ClientID:           client.ID,
		DoctorID:           doctor.ID,
		ProcedureID:        booking.ProcedureID,
		StartTime:          booking.Start,
		EndTime:            booking.End,
		Room:               booking.Room,
		NeedsManualRouting: !mapped,
	}
	if err := b.store.CommitBinding(ctx, scenario.Binding{
		Appointment: appt,
		RecipientID: booking.RecipientID,
		Stage:       stage,
		Document:    doc,
	}); err != nil {
		return "", fmt.Errorf("binder: commit: %w", err)
	}

	if !mapped {
		b.logger.Warn("binder: procedure has no stage, needs manual routing",
			"recipient_id", booking.RecipientID, "procedure_id", booking.ProcedureID)
	}
	b.logger.Info("binder: scenario bound",
		"recipient_id", booking.RecipientID,
		"procedure_id", booking.ProcedureID,
		"stage", stage,
		"outcome", outcome)
	return outcome, nil
}

func (b *Binder) attachMedia(ctx context.Context, doc *scenario.Document, stage int, doctorCRMID int64) {
	if b.media == nil || doctorCRMID == 0 {
		return
	}
	for i := range doc.Messages {
		m := &doc.Messages[i]
		if m.Kind == scenario.KindText || m.Kind == scenario.KindSurvey {
			continue
		}
		url, err := b.media.Resolve(ctx, stage, m.ID, doctorCRMID)
		if err != nil {
			if !errors.Is(err, scenario.ErrNotFound) {
				b.logger.Warn("binder: media lookup failed", "stage", stage, "slot", m.ID, "error", err)
			}
			continue
		}
		m.URL = url
	}
}
