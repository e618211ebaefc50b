package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-assistant/internal/observability/metrics"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
	"github.com/wolfman30/clinic-assistant/internal/telegram"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

var deliveryTracer = otel.Tracer("clinic.internal.delivery")

// Sender is the chat transport.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) (*telegram.SentMessage, error)
	SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) (*telegram.SentMessage, error)
	SendVideo(ctx context.Context, chatID int64, videoURL, caption string) (*telegram.SentMessage, error)
}

// SurveyLauncher starts a survey conversation with a patient.
type SurveyLauncher interface {
	Launch(ctx context.Context, recipientID int64, surveyID *int64, prompt string) error
}

// MediaResolver finds doctor-specific media when a message has no url.
type MediaResolver interface {
	Resolve(ctx context.Context, stage, slot int, doctorCRMID int64) (string, error)
}

type documentSource interface {
	LoadPatientScenario(ctx context.Context, recipientID int64) (*scenario.Document, error)
	LoadTemplate(ctx context.Context, stage int) (*scenario.Document, error)
	FindClientByRecipient(ctx context.Context, recipientID int64) (*scenario.Client, error)
	DoctorCRMIDForRecipient(ctx context.Context, recipientID int64) (int64, error)
}

// Executor sends due jobs. All sends, scheduled and manual, go through one
// slot so a patient never sees two scenario messages interleaved. A caller
// whose context ends while waiting for the slot gives up without sending.
type Executor struct {
	sender       Sender
	surveys      SurveyLauncher
	media        MediaResolver
	docs         documentSource
	discardStale bool
	holdWarning  time.Duration
	metrics      *metrics.ScenarioMetrics
	logger       *logging.Logger

	slot chan struct{}
}

func NewExecutor(sender Sender, surveys SurveyLauncher, logger *logging.Logger) *Executor {
	if sender == nil {
		panic("delivery: sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Executor{
		sender:      sender,
		surveys:     surveys,
		holdWarning: 30 * time.Second,
		logger:      logger,
		slot:        make(chan struct{}, 1),
	}
}

func (e *Executor) WithMedia(r MediaResolver) *Executor {
	e.media = r
	return e
}

// WithDocuments enables SendNow and, with discardStale, drops jobs whose
// revision no longer matches the patient's document.
func (e *Executor) WithDocuments(docs documentSource, discardStale bool) *Executor {
	e.docs = docs
	e.discardStale = discardStale && docs != nil
	return e
}

func (e *Executor) WithHoldWarning(d time.Duration) *Executor {
	if d > 0 {
		e.holdWarning = d
	}
	return e
}

func (e *Executor) WithMetrics(m *metrics.ScenarioMetrics) *Executor {
	e.metrics = m
	return e
}

// outgoing is one message ready for the transport.
type outgoing struct {
	kind        scenario.Kind
	content     string
	url         string
	surveyID    *int64
	stage       int
	slot        int
	doctorCRMID int64
	// splitCaption sends caption overflow of media kinds as a trailing text.
	splitCaption bool
}

// Deliver sends one job. The error is final: the queue records it and the
// job is not retried.
func (e *Executor) Deliver(ctx context.Context, job DeliveryJob) error {
	if !job.Kind.Valid() {
		e.metrics.ObserveDelivery(job.Kind.String(), "dropped")
		e.logger.Error("delivery: dropping job with unknown message type",
			"recipient_id", job.RecipientID, "slot", job.MessageID)
		return nil
	}
	if e.stale(ctx, job) {
		e.metrics.ObserveDelivery(job.Kind.String(), "stale")
		return nil
	}
	return e.send(ctx, job.RecipientID, outgoing{
		kind:        job.Kind,
		content:     job.Content,
		url:         job.URL,
		surveyID:    job.SurveyID,
		stage:       job.Stage,
		slot:        job.MessageID,
		doctorCRMID: job.DoctorCRMID,
	})
}

func (e *Executor) stale(ctx context.Context, job DeliveryJob) bool {
	if !e.discardStale {
		return false
	}
	doc, err := e.docs.LoadPatientScenario(ctx, job.RecipientID)
	switch {
	case errors.Is(err, scenario.ErrNotFound):
		e.logger.Info("delivery: scenario gone, dropping job", "recipient_id", job.RecipientID, "slot", job.MessageID)
		return true
	case err != nil:
		e.logger.Warn("delivery: revision check failed, sending anyway", "recipient_id", job.RecipientID, "error", err)
		return false
	case doc.Stage != job.Stage || doc.Revision != job.Revision:
		e.logger.Info("delivery: dropping stale job",
			"recipient_id", job.RecipientID,
			"slot", job.MessageID,
			"job_revision", job.Revision,
			"current_revision", doc.Revision)
		return true
	}
	return false
}

// SendNow sends one template message to a patient immediately, with the
// patient's name rendered in and "/n" turned into line breaks.
func (e *Executor) SendNow(ctx context.Context, recipientID int64, stage, slot int) error {
	if e.docs == nil {
		return errors.New("delivery: send now: no document source configured")
	}
	tmpl, err := e.docs.LoadTemplate(ctx, stage)
	if err != nil {
		return fmt.Errorf("delivery: send now: %w", err)
	}
	m, err := tmpl.Message(slot)
	if err != nil {
		return fmt.Errorf("delivery: send now: %w", err)
	}
	client, err := e.docs.FindClientByRecipient(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("delivery: send now: %w", err)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("delivery: send now: slot %d type %q: %w", slot, m.RawType(), ErrUnsupportedKind)
	}
	data := scenario.RenderData{ClientFirstName: client.FirstName, ClientLastName: client.LastName}
	out := outgoing{
		kind:         m.Kind,
		content:      scenario.RenderManual(m.Content, data),
		url:          m.URL,
		surveyID:     m.SurveyID,
		stage:        stage,
		slot:         slot,
		splitCaption: true,
	}
	if m.Kind.HasMedia() && strings.TrimSpace(m.URL) == "" {
		if id, err := e.docs.DoctorCRMIDForRecipient(ctx, recipientID); err == nil {
			out.doctorCRMID = id
		}
	}
	return e.send(ctx, recipientID, out)
}

func (e *Executor) send(ctx context.Context, chatID int64, out outgoing) error {
	ctx, span := deliveryTracer.Start(ctx, "delivery.send")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("clinic.recipient_id", chatID),
		attribute.String("clinic.message_type", out.kind.String()),
		attribute.Int("clinic.slot", out.slot),
	)

	waitStart := time.Now()
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		err := fmt.Errorf("delivery: wait for send slot: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveDelivery(out.kind.String(), "cancelled")
		e.logger.Warn("delivery: gave up waiting for send slot",
			"recipient_id", chatID, "slot", out.slot, "waited", time.Since(waitStart))
		return err
	}
	e.metrics.ObserveLockWait(time.Since(waitStart).Seconds())
	held := time.Now()
	err := e.dispatch(ctx, chatID, out)
	<-e.slot
	if d := time.Since(held); d > e.holdWarning {
		e.logger.Warn("delivery: lock held too long", "recipient_id", chatID, "duration", d)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveDelivery(out.kind.String(), "failed")
		e.logger.Error("delivery: send failed",
			"recipient_id", chatID, "stage", out.stage, "slot", out.slot, "type", out.kind, "error", err)
		return err
	}
	e.metrics.ObserveDelivery(out.kind.String(), "ok")
	e.logger.Info("delivery: message sent", "recipient_id", chatID, "stage", out.stage, "slot", out.slot, "type", out.kind)
	return nil
}

func transportErr(kind scenario.Kind, err error) error {
	return fmt.Errorf("delivery: send %s: %w: %w", kind, scenario.ErrTransport, err)
}

func (e *Executor) dispatch(ctx context.Context, chatID int64, out outgoing) error {
	switch out.kind {
	case scenario.KindText:
		for _, part := range scenario.SplitIfOversized(out.content, scenario.MaxTextLength) {
			if _, err := e.sender.SendText(ctx, chatID, part); err != nil {
				return transportErr(out.kind, err)
			}
		}
		return nil

	case scenario.KindPhoto, scenario.KindVideo:
		url := strings.TrimSpace(out.url)
		if url == "" {
			resolved, err := e.resolveMedia(ctx, out)
			if err != nil {
				return transportErr(out.kind, err)
			}
			url = resolved
		}
		parts := scenario.SplitIfOversized(out.content, scenario.MaxCaptionLength)
		var err error
		if out.kind == scenario.KindPhoto {
			_, err = e.sender.SendPhoto(ctx, chatID, url, parts[0])
		} else {
			_, err = e.sender.SendVideo(ctx, chatID, url, parts[0])
		}
		if err != nil {
			return transportErr(out.kind, err)
		}
		if out.splitCaption && len(parts) > 1 && parts[1] != "" {
			if _, err := e.sender.SendText(ctx, chatID, parts[1]); err != nil {
				return transportErr(out.kind, err)
			}
		}
		return nil

	case scenario.KindLink:
		if _, err := e.sender.SendText(ctx, chatID, out.url); err != nil {
			return transportErr(out.kind, err)
		}
		return nil

	case scenario.KindTextLink:
		if _, err := e.sender.SendText(ctx, chatID, out.content+"\n"+out.url); err != nil {
			return transportErr(out.kind, err)
		}
		return nil

	case scenario.KindSurvey:
		if e.surveys == nil {
			return transportErr(out.kind, errors.New("no survey launcher configured"))
		}
		if err := e.surveys.Launch(ctx, chatID, out.surveyID, out.content); err != nil {
			return transportErr(out.kind, err)
		}
		return nil
	}
	return fmt.Errorf("delivery: %s: %w", out.kind, ErrUnsupportedKind)
}

func (e *Executor) resolveMedia(ctx context.Context, out outgoing) (string, error) {
	if e.media == nil || out.doctorCRMID == 0 {
		return "", fmt.Errorf("no media url for stage %d slot %d", out.stage, out.slot)
	}
	url, err := e.media.Resolve(ctx, out.stage, out.slot, out.doctorCRMID)
	if err != nil {
		return "", fmt.Errorf("resolve media for stage %d slot %d: %w", out.stage, out.slot, err)
	}
	return url, nil
}
