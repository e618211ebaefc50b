package binder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-assistant/internal/crm"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
)

type fakeStore struct {
	clients      map[int64]*scenario.Client
	doctors      map[string]*scenario.Doctor
	appointments map[int64]*scenario.Appointment
	templates    map[int]*scenario.Document
	commits      []scenario.Binding
	commitErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients: map[int64]*scenario.Client{
			1001: {ID: 1, RecipientID: 1001, FirstName: "Anna", CRMID: 555},
		},
		doctors: map[string]*scenario.Doctor{
			"Olga Petrova": {ID: 8, FirstName: "Olga", LastName: "Petrova", CRMID: 77},
		},
		appointments: map[int64]*scenario.Appointment{},
		templates: map[int]*scenario.Document{
			1: {Stage: 1, Revision: 3, NameStage: "Consultation", Messages: []scenario.Message{
				{ID: 1, Content: "Hello {first_name}, see {first_name_doctor} {last_name_doctor} at {start_time}", Time: "0", Kind: scenario.KindText},
			}},
			5: {Stage: 5, Revision: 1, NameStage: "Transfer", Messages: []scenario.Message{
				{ID: 1, Content: "Welcome", Time: "-1", Kind: scenario.KindText},
				{ID: 2, Content: "Watch this", Time: "0", Kind: scenario.KindVideo},
			}},
			6: {Stage: 6, Revision: 1, NameStage: "Follow-up", Messages: []scenario.Message{
				{ID: 1, Content: "Congratulations", Time: "0", Kind: scenario.KindText},
			}},
		},
	}
}

func (f *fakeStore) FindClientByRecipient(_ context.Context, id int64) (*scenario.Client, error) {
	if c, ok := f.clients[id]; ok {
		return c, nil
	}
	return nil, scenario.ErrNotFound
}

func (f *fakeStore) FindDoctorByName(_ context.Context, first, last string) (*scenario.Doctor, error) {
	if d, ok := f.doctors[first+" "+last]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("doctor %s %s: %w", last, first, scenario.ErrNotFound)
}

func (f *fakeStore) LoadAppointment(_ context.Context, clientID int64) (*scenario.Appointment, error) {
	if a, ok := f.appointments[clientID]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, scenario.ErrNotFound
}

func (f *fakeStore) LoadTemplate(_ context.Context, stage int) (*scenario.Document, error) {
	if d, ok := f.templates[stage]; ok {
		return d.Clone(), nil
	}
	return nil, scenario.ErrNotFound
}

func (f *fakeStore) CommitBinding(_ context.Context, b scenario.Binding) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits = append(f.commits, b)
	a := b.Appointment
	f.appointments[a.ClientID] = &a
	return nil
}

func (f *fakeStore) ListClients(context.Context) ([]scenario.Client, error) {
	var out []scenario.Client
	for _, c := range f.clients {
		out = append(out, *c)
	}
	return out, nil
}

type fakeMedia map[string]string

func (f fakeMedia) Resolve(_ context.Context, stage, slot int, doctor int64) (string, error) {
	if url, ok := f[fmt.Sprintf("%d.%d.%d", stage, slot, doctor)]; ok {
		return url, nil
	}
	return "", scenario.ErrNotFound
}

var start = time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)

func booking(procedure int64) Booking {
	return Booking{
		RecipientID: 1001,
		ProcedureID: procedure,
		DoctorFirst: "Olga",
		DoctorLast:  "Petrova",
		Start:       start,
		End:         start.Add(30 * time.Minute),
		Room:        "Room 2",
	}
}

func TestBindCreatesRenderedScenarioWithMedia(t *testing.T) {
	store := newFakeStore()
	b := New(store, nil, nil).WithMedia(fakeMedia{"5.2.77": "https://cdn/olga.mp4"})

	outcome, err := b.Bind(context.Background(), booking(4331))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	require.Len(t, store.commits, 1)
	c := store.commits[0]
	assert.Equal(t, 5, c.Stage)
	assert.Equal(t, int64(1001), c.RecipientID)
	assert.False(t, c.Appointment.Processed)
	assert.False(t, c.Appointment.NeedsManualRouting)
	assert.Equal(t, int64(8), c.Appointment.DoctorID)
	assert.Equal(t, "https://cdn/olga.mp4", c.Document.Messages[1].URL)
	assert.Zero(t, c.Document.Revision)

	// template itself untouched
	assert.Empty(t, store.templates[5].Messages[1].URL)
}

func TestBindUnmappedProcedureGoesToStageOneForManualRouting(t *testing.T) {
	store := newFakeStore()
	b := New(store, nil, nil)

	outcome, err := b.Bind(context.Background(), booking(9999))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	c := store.commits[0]
	assert.Equal(t, 1, c.Stage)
	assert.True(t, c.Appointment.NeedsManualRouting)
	assert.Equal(t, "Hello Anna, see Olga Petrova at 11.03 в 10:00", c.Document.Messages[0].Content)
}

func TestBindReplacementRules(t *testing.T) {
	tests := []struct {
		name        string
		existing    scenario.Appointment
		procedure   int64
		want        Outcome
		wantCommits int
	}{
		{"same procedure", scenario.Appointment{ProcedureID: 4331, Processed: true}, 4331, OutcomeUnchanged, 0},
		{"earlier stage is stale", scenario.Appointment{ProcedureID: 4332, Processed: true}, 4331, OutcomeStale, 0},
		{"later stage waits for scheduling", scenario.Appointment{ProcedureID: 4331, Processed: false}, 4332, OutcomePending, 0},
		{"later stage after scheduling replaces", scenario.Appointment{ProcedureID: 4331, Processed: true}, 4332, OutcomeReplaced, 1},
		{"manual routing replaced by mapped", scenario.Appointment{ProcedureID: 9999, NeedsManualRouting: true}, 4331, OutcomeReplaced, 1},
		{"mapped replaced by unmapped", scenario.Appointment{ProcedureID: 4331, Processed: false}, 9999, OutcomeReplaced, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			existing := tt.existing
			existing.ClientID = 1
			store.appointments[1] = &existing

			outcome, err := New(store, nil, nil).Bind(context.Background(), booking(tt.procedure))
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)
			assert.Len(t, store.commits, tt.wantCommits)
		})
	}
}

func TestBindErrors(t *testing.T) {
	ctx := context.Background()

	store := newFakeStore()
	bk := booking(4331)
	bk.RecipientID = 42
	outcome, err := New(store, nil, nil).Bind(ctx, bk)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.True(t, errors.Is(err, scenario.ErrNotFound))

	bk = booking(4331)
	bk.DoctorLast = "Unknown"
	_, err = New(store, nil, nil).Bind(ctx, bk)
	assert.True(t, errors.Is(err, scenario.ErrNotFound))

	store.commitErr = fmt.Errorf("tx: %w", scenario.ErrPersistence)
	outcome, err = New(store, nil, nil).Bind(ctx, booking(4331))
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, scenario.ClassPersistence, scenario.Classify(err))

	store = newFakeStore()
	delete(store.templates, 5)
	_, err = New(store, nil, nil).Bind(ctx, booking(4331))
	assert.True(t, errors.Is(err, scenario.ErrNotFound))
}

type fakeSource struct {
	bookings []crm.Booking
	err      error
	from, to time.Time
}

func (f *fakeSource) Bookings(_ context.Context, _ int64, from, to time.Time) ([]crm.Booking, error) {
	f.from, f.to = from, to
	return f.bookings, f.err
}

func TestSyncerRefresh(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{bookings: []crm.Booking{
		{ProcedureID: 4331, DoctorFirst: "Olga", DoctorLast: "Petrova", Start: start, End: start.Add(time.Hour)},
		{ProcedureID: 4331, DoctorFirst: "Nobody", DoctorLast: "Here", Start: start, End: start.Add(time.Hour)},
	}}
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	s := NewSyncer(New(store, nil, nil), store, source, nil)
	s.now = func() time.Time { return now }

	report, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Clients)
	assert.Equal(t, 1, report.Outcomes[OutcomeCreated])
	assert.Equal(t, 1, report.Outcomes[OutcomeSkipped])
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, now.Add(-48*time.Hour), source.from)
	assert.Equal(t, now.Add(96*time.Hour), source.to)

	source.err = errors.New("crm down")
	report, err = s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
}
