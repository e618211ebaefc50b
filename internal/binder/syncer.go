package binder

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-assistant/internal/crm"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// BookingSource lists a patient's CRM bookings in a date window.
type BookingSource interface {
	Bookings(ctx context.Context, patientCRMID int64, from, to time.Time) ([]crm.Booking, error)
}

type clientLister interface {
	ListClients(ctx context.Context) ([]scenario.Client, error)
}

// Report counts outcomes of one refresh pass.
type Report struct {
	Clients  int
	Outcomes map[Outcome]int
	Errors   int
}

// Syncer pulls bookings for every registered client and binds them.
type Syncer struct {
	binder  *Binder
	clients clientLister
	source  BookingSource
	before  time.Duration
	after   time.Duration
	now     func() time.Time
	logger  *logging.Logger
}

func NewSyncer(b *Binder, clients clientLister, source BookingSource, logger *logging.Logger) *Syncer {
	if b == nil || clients == nil || source == nil {
		panic("binder: syncer dependencies cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Syncer{
		binder:  b,
		clients: clients,
		source:  source,
		before:  48 * time.Hour,
		after:   96 * time.Hour,
		now:     time.Now,
		logger:  logger,
	}
}

// WithWindow sets how far back and ahead bookings are fetched.
func (s *Syncer) WithWindow(before, after time.Duration) *Syncer {
	if before >= 0 {
		s.before = before
	}
	if after >= 0 {
		s.after = after
	}
	return s
}

// Refresh binds the bookings of every client with a CRM id. One client's
// failure does not stop the pass.
func (s *Syncer) Refresh(ctx context.Context) (Report, error) {
	report := Report{Outcomes: make(map[Outcome]int)}
	clients, err := s.clients.ListClients(ctx)
	if err != nil {
		return report, fmt.Errorf("binder: refresh: %w", err)
	}
	now := s.now()
	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Clients++
		bookings, err := s.source.Bookings(ctx, c.CRMID, now.Add(-s.before), now.Add(s.after))
		if err != nil {
			report.Errors++
			s.logger.Error("binder: fetch bookings failed", "client_id", c.ID, "crm_id", c.CRMID, "error", err)
			continue
		}
		for _, bk := range bookings {
			outcome, err := s.binder.Bind(ctx, Booking{
				RecipientID: c.RecipientID,
				ProcedureID: bk.ProcedureID,
				DoctorFirst: bk.DoctorFirst,
				DoctorLast:  bk.DoctorLast,
				Start:       bk.Start,
				End:         bk.End,
				Room:        bk.Room,
			})
			report.Outcomes[outcome]++
			if err != nil {
				report.Errors++
				s.logger.Warn("binder: booking skipped", "client_id", c.ID, "procedure_id", bk.ProcedureID, "error", err)
			}
		}
	}
	s.logger.Info("binder: refresh done", "clients", report.Clients, "errors", report.Errors)
	return report, nil
}
