package scenario

import (
	"context"
	"errors"
	"testing"
	"time"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

const templateBody = `{"name_stage":"Stage 2","messages":[{"id":1,"key":"6f1c7a0e-6c35-4b8e-9a3e-0c2f7c1d9b10","content":"Hi","time":"0","type":"text"}],"procedures":[]}`

func TestStoreLoadTemplate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT stage, document, revision FROM scenarios").
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"stage", "document", "revision"}).AddRow(2, []byte(templateBody), int64(7)))

	doc, err := store.LoadDocument(ctx, TargetTemplate, "2")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Stage)
	assert.Equal(t, int64(7), doc.Revision)
	assert.Equal(t, "Stage 2", doc.NameStage)
	require.Len(t, doc.Messages, 1)
	assert.Equal(t, KindText, doc.Messages[0].Kind)

	mock.ExpectQuery("SELECT stage, document, revision FROM scenarios").
		WithArgs(5).
		WillReturnError(pgx.ErrNoRows)
	_, err = store.LoadTemplate(ctx, 5)
	assert.True(t, errors.Is(err, ErrNotFound))

	mock.ExpectQuery("SELECT stage, document, revision FROM patient_scenarios").
		WithArgs(int64(42)).
		WillReturnError(errors.New("connection reset"))
	_, err = store.LoadDocument(ctx, TargetPatient, "42")
	assert.Equal(t, ClassPersistence, Classify(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLoadTemplateKeepsUnknownMessageTypes(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	body := `{"name_stage":"Stage 3","messages":[
		{"id":1,"content":"Hi","time":"0","type":"text"},
		{"id":2,"content":"Listen","time":"1","type":"audio","url":"https://cdn/a.mp3"},
		{"id":3,"content":"?","time":"2","type":"sticker"},
		{"id":4,"content":"Bye","time":"3","type":"text"}],"procedures":[]}`

	mock.ExpectQuery("SELECT stage, document, revision FROM scenarios").
		WithArgs(3).
		WillReturnRows(pgxmock.NewRows([]string{"stage", "document", "revision"}).AddRow(3, []byte(body), int64(1)))

	doc, err := store.LoadTemplate(ctx, 3)
	require.NoError(t, err)
	require.Len(t, doc.Messages, 4)
	assert.Equal(t, KindText, doc.Messages[0].Kind)
	assert.Equal(t, KindVideo, doc.Messages[1].Kind)
	assert.False(t, doc.Messages[2].Kind.Valid())
	assert.Equal(t, "sticker", doc.Messages[2].RawType())
	assert.Equal(t, KindText, doc.Messages[3].Kind)

	mock.ExpectQuery("SELECT stage, document, revision FROM scenarios").
		WithArgs(4).
		WillReturnRows(pgxmock.NewRows([]string{"stage", "document", "revision"}).AddRow(4, []byte(`{"messages":`), int64(1)))
	_, err = store.LoadTemplate(ctx, 4)
	require.Error(t, err)
	assert.Equal(t, ClassMalformed, Classify(err))
	assert.False(t, errors.Is(err, ErrPersistence))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLoadDocumentRejectsNonNumericKey(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.LoadDocument(context.Background(), TargetTemplate, "stage-two")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreSaveTemplateCompareAndSwap(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	doc := &Document{NameStage: "Stage 2", Revision: 3}

	mock.ExpectQuery("UPDATE scenarios SET document").
		WithArgs(pgxmock.AnyArg(), 2, int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"revision"}).AddRow(int64(4)))
	require.NoError(t, store.SaveTemplate(ctx, 2, doc))
	assert.Equal(t, int64(4), doc.Revision)

	mock.ExpectQuery("UPDATE scenarios SET document").
		WithArgs(pgxmock.AnyArg(), 2, int64(4)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT revision FROM scenarios").
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"revision"}).AddRow(int64(5)))
	err := store.SaveTemplate(ctx, 2, doc)
	assert.Equal(t, ClassConflict, Classify(err))

	mock.ExpectQuery("UPDATE scenarios SET document").
		WithArgs(pgxmock.AnyArg(), 9, int64(4)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT revision FROM scenarios").
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)
	err = store.SaveTemplate(ctx, 9, doc)
	assert.Equal(t, ClassNotFound, Classify(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSaveTemplateCreates(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO scenarios").
		WithArgs(3, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"revision"}).AddRow(int64(1)))
	doc := &Document{NameStage: "Stage 3"}
	require.NoError(t, store.SaveTemplate(ctx, 3, doc))
	assert.Equal(t, 3, doc.Stage)
	assert.Equal(t, int64(1), doc.Revision)

	mock.ExpectQuery("INSERT INTO scenarios").
		WithArgs(3, pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	err := store.SaveTemplate(ctx, 3, &Document{})
	assert.Equal(t, ClassConflict, Classify(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkAppointmentProcessed(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE appointments SET processed = true").
		WithArgs(int64(11)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkAppointmentProcessed(ctx, 11))

	mock.ExpectExec("UPDATE appointments SET processed = true").
		WithArgs(int64(12)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.True(t, errors.Is(store.MarkAppointmentProcessed(ctx, 12), ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMediaURL(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT url FROM media_links").
		WithArgs("3.2.77").
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow("https://cdn.example/77.mp4"))
	url, err := store.MediaURL(ctx, "3.2.77")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/77.mp4", url)

	mock.ExpectQuery("SELECT url FROM media_links").
		WithArgs("3.2.78").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.MediaURL(ctx, "3.2.78")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCommitBinding(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	doc := &Document{NameStage: "Stage 3", Messages: []Message{{ID: 1, Content: "x", Time: "0", Kind: KindText}}}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(int64(5), pgxmock.AnyArg(), int64(4331), start, start.Add(time.Hour), "Room 1", false, false).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(90)))
	mock.ExpectExec("UPDATE clients SET stage").
		WithArgs(3, int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO patient_scenarios").
		WithArgs(int64(1001), 3, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"revision"}).AddRow(int64(2)))
	mock.ExpectCommit()

	err := store.CommitBinding(ctx, Binding{
		Appointment: Appointment{ClientID: 5, DoctorID: 8, ProcedureID: 4331, StartTime: start, EndTime: start.Add(time.Hour), Room: "Room 1"},
		RecipientID: 1001,
		Stage:       3,
		Document:    doc,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Stage)
	assert.Equal(t, int64(2), doc.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCommitBindingRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO appointments").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := store.CommitBinding(ctx, Binding{Appointment: Appointment{ClientID: 5}, RecipientID: 1, Stage: 1, Document: &Document{}})
	assert.Equal(t, ClassPersistence, Classify(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePurgeStale(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	cutoff := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT DISTINCT a.client_id, c.recipient_id FROM appointments").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"client_id", "recipient_id"}).
			AddRow(int64(1), int64(100)).
			AddRow(int64(2), int64(200)))
	mock.ExpectExec("DELETE FROM appointments").
		WithArgs([]int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("DELETE FROM patient_scenarios").
		WithArgs([]int64{100, 200}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("DELETE FROM clients").
		WithArgs([]int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	res, err := store.PurgeStale(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, PurgeResult{Appointments: 2, Scenarios: 2, Clients: 2}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePurgeStaleNothingToDelete(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT DISTINCT a.client_id").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"client_id", "recipient_id"}))
	mock.ExpectCommit()

	res, err := store.PurgeStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, res)
	require.NoError(t, mock.ExpectationsWereMet())
}
