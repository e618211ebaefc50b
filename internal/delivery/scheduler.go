package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-assistant/internal/jobs"
	"github.com/wolfman30/clinic-assistant/internal/observability/metrics"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

const (
	slotStagger   = 2 * time.Second
	overflowDelay = 5 * time.Second
)

// ErrUnsupportedKind marks a message whose stored type is not deliverable.
// The message is skipped; the rest of the document is still scheduled.
var ErrUnsupportedKind = errors.New("delivery: unsupported message type")

// Store is the persistence the scheduler reads.
type Store interface {
	ListUnprocessedAppointments(ctx context.Context) ([]scenario.Appointment, error)
	LoadPatientScenario(ctx context.Context, recipientID int64) (*scenario.Document, error)
	MarkAppointmentProcessed(ctx context.Context, id int64) error
	LoadTemplate(ctx context.Context, stage int) (*scenario.Document, error)
	LoadAppointment(ctx context.Context, clientID int64) (*scenario.Appointment, error)
	FindClient(ctx context.Context, id int64) (*scenario.Client, error)
	FindDoctor(ctx context.Context, id int64) (*scenario.Doctor, error)
}

// Recipient identifies who a document is scheduled for.
type Recipient struct {
	ID          int64
	ClientID    int64
	ProcedureID int64
	DoctorCRMID int64
}

// EnqueueResult is the outcome for one message part.
type EnqueueResult struct {
	Slot      int
	Part      int
	SendAt    time.Time
	Handle    jobs.Handle
	Duplicate bool
	Err       error
}

// FollowUpPolicy describes the pregnancy-test follow-up: bookings of
// TriggerProcedure get a check CheckDelay after the event instead of their
// own messages. If the client has by then moved to one of Procedures, the
// Stage template is sent SendDelay later.
type FollowUpPolicy struct {
	TriggerProcedure int64
	Procedures       []int64
	Stage            int
	CheckDelay       time.Duration
	SendDelay        time.Duration
}

func DefaultFollowUpPolicy() FollowUpPolicy {
	return FollowUpPolicy{
		TriggerProcedure: 4331,
		Procedures:       []int64{4332, 4333, 4334},
		Stage:            6,
		CheckDelay:       8 * 24 * time.Hour,
		SendDelay:        10 * time.Second,
	}
}

func (p FollowUpPolicy) follows(procedureID int64) bool {
	for _, id := range p.Procedures {
		if id == procedureID {
			return true
		}
	}
	return false
}

// Scheduler turns scenario documents into deferred delivery jobs.
type Scheduler struct {
	queue      jobs.Queue
	store      Store
	bareUnit   time.Duration
	loc        *time.Location
	followUp   FollowUpPolicy
	metrics    *metrics.ScenarioMetrics
	jobMetrics *metrics.JobMetrics
	now        func() time.Time
	logger     *logging.Logger
}

func NewScheduler(queue jobs.Queue, store Store, logger *logging.Logger) *Scheduler {
	if queue == nil {
		panic("delivery: queue cannot be nil")
	}
	if store == nil {
		panic("delivery: store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		queue:    queue,
		store:    store,
		bareUnit: scenario.DefaultBareUnit,
		loc:      time.UTC,
		followUp: DefaultFollowUpPolicy(),
		now:      time.Now,
		logger:   logger,
	}
}

// WithBareUnit sets the unit applied to bare "<n>" offsets.
func (s *Scheduler) WithBareUnit(d time.Duration) *Scheduler {
	if d > 0 {
		s.bareUnit = d
	}
	return s
}

// WithLocation sets the clinic wall clock used by "<n> HH:MM" offsets.
func (s *Scheduler) WithLocation(loc *time.Location) *Scheduler {
	if loc != nil {
		s.loc = loc
	}
	return s
}

func (s *Scheduler) WithFollowUp(p FollowUpPolicy) *Scheduler {
	s.followUp = p
	return s
}

func (s *Scheduler) WithMetrics(sm *metrics.ScenarioMetrics, jm *metrics.JobMetrics) *Scheduler {
	s.metrics = sm
	s.jobMetrics = jm
	return s
}

// ScheduleDocument enqueues every message of doc relative to eventStart.
// Failures are logged and reported per message; they never abort the rest.
func (s *Scheduler) ScheduleDocument(ctx context.Context, doc *scenario.Document, rcpt Recipient, eventStart time.Time) []EnqueueResult {
	if s.followUp.TriggerProcedure != 0 && rcpt.ProcedureID == s.followUp.TriggerProcedure {
		return []EnqueueResult{s.scheduleFollowUpCheck(ctx, rcpt, eventStart)}
	}
	if doc == nil {
		return nil
	}
	eventStart = eventStart.In(s.loc)
	now := s.now()
	results := make([]EnqueueResult, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		off, err := scenario.ParseOffset(m.Time)
		if err != nil {
			s.metrics.ObserveParseFailure("scheduler")
			s.logger.Warn("delivery: skipping message with invalid time",
				"recipient_id", rcpt.ID, "stage", doc.Stage, "slot", m.ID, "time", m.Time, "error", err)
			results = append(results, EnqueueResult{Slot: m.ID, Err: err})
			continue
		}
		results = append(results, s.scheduleMessage(ctx, doc, m, rcpt, off.SendAt(eventStart, now, s.bareUnit))...)
	}
	return results
}

// scheduleMessage enqueues the first part at sendAt plus the slot stagger and
// any overflow part as text five seconds after it.
func (s *Scheduler) scheduleMessage(ctx context.Context, doc *scenario.Document, m scenario.Message, rcpt Recipient, sendAt time.Time) []EnqueueResult {
	if !m.Kind.Valid() {
		s.metrics.ObserveScheduled("unknown", "skipped")
		s.logger.Warn("delivery: skipping message with unknown type",
			"recipient_id", rcpt.ID, "stage", doc.Stage, "slot", m.ID, "type", m.RawType())
		return []EnqueueResult{{Slot: m.ID, Err: fmt.Errorf("%w: slot %d type %q", ErrUnsupportedKind, m.ID, m.RawType())}}
	}
	parts := scenario.SplitIfOversized(m.Content, m.Kind.Limit())
	first := sendAt.Add(time.Duration(m.ID+1) * slotStagger)
	results := make([]EnqueueResult, 0, len(parts))
	for i, part := range parts {
		dj := DeliveryJob{
			RecipientID: rcpt.ID,
			MessageID:   m.ID,
			MessageKey:  m.Key,
			Part:        i,
			Content:     part,
			URL:         m.URL,
			Kind:        m.Kind,
			SurveyID:    m.SurveyID,
			Stage:       doc.Stage,
			DoctorCRMID: rcpt.DoctorCRMID,
			Revision:    doc.Revision,
			ScheduledAt: first.Add(time.Duration(i) * overflowDelay).UTC(),
		}
		if i > 0 {
			dj.Kind = scenario.KindText
			dj.URL = ""
			dj.SurveyID = nil
		}
		results = append(results, s.enqueue(ctx, dj))
	}
	return results
}

func (s *Scheduler) enqueue(ctx context.Context, dj DeliveryJob) EnqueueResult {
	res := EnqueueResult{Slot: dj.MessageID, Part: dj.Part, SendAt: dj.ScheduledAt}
	job, err := jobs.NewWithID(dj.ID(), JobDeliver, dj, dj.ScheduledAt)
	if err == nil {
		res.Handle, err = s.queue.Enqueue(ctx, job)
	}
	switch {
	case errors.Is(err, jobs.ErrDuplicate):
		res.Duplicate = true
		s.jobMetrics.ObserveEnqueued(JobDeliver, true)
		s.metrics.ObserveScheduled(dj.Kind.String(), "duplicate")
	case err != nil:
		res.Err = fmt.Errorf("delivery: enqueue slot %d part %d: %w", dj.MessageID, dj.Part, err)
		s.metrics.ObserveScheduled(dj.Kind.String(), "failed")
		s.logger.Error("delivery: enqueue failed",
			"recipient_id", dj.RecipientID, "slot", dj.MessageID, "part", dj.Part, "error", err)
	default:
		s.jobMetrics.ObserveEnqueued(JobDeliver, false)
		s.metrics.ObserveScheduled(dj.Kind.String(), "queued")
		s.logger.Debug("delivery: message scheduled",
			"recipient_id", dj.RecipientID, "slot", dj.MessageID, "part", dj.Part, "send_at", dj.ScheduledAt)
	}
	return res
}

func (s *Scheduler) scheduleFollowUpCheck(ctx context.Context, rcpt Recipient, eventStart time.Time) EnqueueResult {
	check := FollowUpCheck{RecipientID: rcpt.ID, ClientID: rcpt.ClientID, EventStart: eventStart.UTC()}
	runAt := eventStart.Add(s.followUp.CheckDelay).UTC()
	res := EnqueueResult{SendAt: runAt}
	job, err := jobs.NewWithID(check.ID(), JobFollowUpCheck, check, runAt)
	if err == nil {
		res.Handle, err = s.queue.Enqueue(ctx, job)
	}
	switch {
	case errors.Is(err, jobs.ErrDuplicate):
		res.Duplicate = true
		s.jobMetrics.ObserveEnqueued(JobFollowUpCheck, true)
	case err != nil:
		res.Err = fmt.Errorf("delivery: enqueue follow-up check: %w", err)
		s.logger.Error("delivery: follow-up check enqueue failed", "recipient_id", rcpt.ID, "error", err)
	default:
		s.jobMetrics.ObserveEnqueued(JobFollowUpCheck, false)
		s.logger.Info("delivery: follow-up check scheduled", "recipient_id", rcpt.ID, "run_at", runAt)
	}
	return res
}

// CheckFollowUp runs the deferred pregnancy-test check. Nothing is sent when
// the client's appointment has not moved to a follow-up procedure, or when
// the binder already routed the patient to the follow-up stage.
func (s *Scheduler) CheckFollowUp(ctx context.Context, check FollowUpCheck) ([]EnqueueResult, error) {
	appt, err := s.store.LoadAppointment(ctx, check.ClientID)
	if errors.Is(err, scenario.ErrNotFound) {
		s.logger.Warn("delivery: follow-up check found no appointment", "client_id", check.ClientID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delivery: follow-up check: %w", err)
	}
	if !s.followUp.follows(appt.ProcedureID) {
		s.logger.Info("delivery: no follow-up procedure booked",
			"client_id", check.ClientID, "procedure_id", appt.ProcedureID)
		return nil, nil
	}
	if current, err := s.store.LoadPatientScenario(ctx, check.RecipientID); err == nil && current.Stage == s.followUp.Stage {
		s.logger.Info("delivery: patient already on follow-up stage", "recipient_id", check.RecipientID)
		return nil, nil
	}

	tmpl, err := s.store.LoadTemplate(ctx, s.followUp.Stage)
	if err != nil {
		return nil, fmt.Errorf("delivery: follow-up template: %w", err)
	}
	data := scenario.RenderData{StartTime: appt.StartTime.In(s.loc)}
	var doctorCRMID int64
	if client, err := s.store.FindClient(ctx, appt.ClientID); err == nil {
		data.ClientFirstName = client.FirstName
	}
	if doctor, err := s.store.FindDoctor(ctx, appt.DoctorID); err == nil {
		data.DoctorFirstName = doctor.FirstName
		data.DoctorLastName = doctor.LastName
		doctorCRMID = doctor.CRMID
	}
	doc := tmpl.Clone()
	doc.RenderMessages(data)

	rcpt := Recipient{ID: check.RecipientID, ClientID: check.ClientID, ProcedureID: appt.ProcedureID, DoctorCRMID: doctorCRMID}
	sendAt := s.now().Add(s.followUp.SendDelay)
	var results []EnqueueResult
	for _, m := range doc.Messages {
		results = append(results, s.scheduleMessage(ctx, doc, m, rcpt, sendAt)...)
	}
	s.logger.Info("delivery: follow-up stage scheduled",
		"recipient_id", check.RecipientID, "stage", s.followUp.Stage, "messages", len(doc.Messages))
	return results, nil
}

// ScheduleWelcome sends the registration template right away.
func (s *Scheduler) ScheduleWelcome(ctx context.Context, recipientID int64, firstName string) ([]EnqueueResult, error) {
	tmpl, err := s.store.LoadTemplate(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("delivery: welcome template: %w", err)
	}
	doc := tmpl.Clone()
	doc.RenderMessages(scenario.RenderData{ClientFirstName: firstName})
	sendAt := s.now().Add(scenario.ImmediateDelay)
	var results []EnqueueResult
	for _, m := range doc.Messages {
		results = append(results, s.scheduleMessage(ctx, doc, m, Recipient{ID: recipientID}, sendAt)...)
	}
	return results, nil
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Appointments int
	Scheduled    int
	Skipped      int
	Failed       int
}

// SweepUnprocessed schedules the patient scenario of every unprocessed,
// auto-routed appointment and marks it processed. An appointment whose jobs
// could not all be enqueued stays unprocessed for the next sweep; job ids
// make the retry collapse into what was already queued.
func (s *Scheduler) SweepUnprocessed(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	appts, err := s.store.ListUnprocessedAppointments(ctx)
	if err != nil {
		return report, fmt.Errorf("delivery: sweep: %w", err)
	}
	for _, appt := range appts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Appointments++
		if appt.RecipientID == 0 {
			report.Skipped++
			s.logger.Warn("delivery: appointment has no recipient", "appointment_id", appt.ID)
			continue
		}

		doc, err := s.store.LoadPatientScenario(ctx, appt.RecipientID)
		switch {
		case errors.Is(err, scenario.ErrNotFound):
			s.logger.Info("delivery: no scenario for appointment", "appointment_id", appt.ID, "procedure_id", appt.ProcedureID)
			doc = &scenario.Document{}
		case err != nil:
			report.Failed++
			s.logger.Error("delivery: load scenario failed", "appointment_id", appt.ID, "error", err)
			continue
		}

		rcpt := Recipient{
			ID:          appt.RecipientID,
			ClientID:    appt.ClientID,
			ProcedureID: appt.ProcedureID,
			DoctorCRMID: appt.DoctorCRMID,
		}
		results := s.ScheduleDocument(ctx, doc, rcpt, appt.StartTime)
		if enqueueFailed(results) {
			report.Failed++
			continue
		}
		if err := s.store.MarkAppointmentProcessed(ctx, appt.ID); err != nil {
			report.Failed++
			s.logger.Error("delivery: mark processed failed", "appointment_id", appt.ID, "error", err)
			continue
		}
		report.Scheduled++
	}
	s.logger.Info("delivery: sweep done",
		"appointments", report.Appointments, "scheduled", report.Scheduled, "failed", report.Failed)
	return report, nil
}

// enqueueFailed ignores parse failures and unknown types; those messages are
// skipped for good.
func enqueueFailed(results []EnqueueResult) bool {
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, scenario.ErrParseFailure) && !errors.Is(r.Err, ErrUnsupportedKind) {
			return true
		}
	}
	return false
}
