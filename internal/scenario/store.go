package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx pool so pgxmock can stand in for it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists scenario documents, clients and appointments in Postgres.
type Store struct {
	db DB
}

// NewStore creates a new scenario store.
func NewStore(db DB) *Store {
	if db == nil {
		panic("scenario: db required")
	}
	return &Store{db: db}
}

// persistenceErr wraps a database failure. Decode failures keep their own
// class so a bad row is not reported as an outage.
func persistenceErr(op string, err error) error {
	if errors.Is(err, ErrMalformed) {
		return fmt.Errorf("scenario: %s: %w", op, err)
	}
	return fmt.Errorf("scenario: %s: %w: %w", op, ErrPersistence, err)
}

// LoadDocument loads a template (key = stage) or a patient scenario
// (key = recipient id).
func (s *Store) LoadDocument(ctx context.Context, target Target, key string) (*Document, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("scenario: load %s %q: %w", target, key, ErrNotFound)
	}
	switch target {
	case TargetTemplate:
		return s.LoadTemplate(ctx, int(id))
	case TargetPatient:
		return s.LoadPatientScenario(ctx, id)
	default:
		return nil, fmt.Errorf("scenario: load: unknown target %q", target)
	}
}

// SaveDocument writes doc back with a compare-and-swap on doc.Revision.
func (s *Store) SaveDocument(ctx context.Context, target Target, key string, doc *Document) error {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return fmt.Errorf("scenario: save %s %q: %w", target, key, ErrNotFound)
	}
	switch target {
	case TargetTemplate:
		return s.SaveTemplate(ctx, int(id), doc)
	case TargetPatient:
		return s.SavePatientScenario(ctx, id, doc)
	default:
		return fmt.Errorf("scenario: save: unknown target %q", target)
	}
}

// LoadTemplate returns the template for stage.
func (s *Store) LoadTemplate(ctx context.Context, stage int) (*Document, error) {
	row := s.db.QueryRow(ctx, `
		SELECT stage, document, revision FROM scenarios WHERE stage = $1`, stage)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("scenario: template for stage %d: %w", stage, ErrNotFound)
		}
		return nil, persistenceErr("load template", err)
	}
	return doc, nil
}

// LoadPatientScenario returns the instantiated scenario of a recipient.
func (s *Store) LoadPatientScenario(ctx context.Context, recipientID int64) (*Document, error) {
	row := s.db.QueryRow(ctx, `
		SELECT stage, document, revision FROM patient_scenarios WHERE recipient_id = $1`, recipientID)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("scenario: patient scenario %d: %w", recipientID, ErrNotFound)
		}
		return nil, persistenceErr("load patient scenario", err)
	}
	return doc, nil
}

// SaveTemplate creates the template when doc.Revision is zero and otherwise
// updates it only if the stored revision still equals doc.Revision.
func (s *Store) SaveTemplate(ctx context.Context, stage int, doc *Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("scenario: encode template: %w", err)
	}
	if doc.Revision == 0 {
		var rev int64
		err := s.db.QueryRow(ctx, `
			INSERT INTO scenarios (stage, document, revision, updated_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (stage) DO NOTHING
			RETURNING revision`, stage, body).Scan(&rev)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("scenario: create template %d: %w", stage, ErrConflict)
		}
		if err != nil {
			return persistenceErr("create template", err)
		}
		doc.Stage, doc.Revision = stage, rev
		return nil
	}
	var rev int64
	err = s.db.QueryRow(ctx, `
		UPDATE scenarios SET document = $1, revision = revision + 1, updated_at = now()
		WHERE stage = $2 AND revision = $3
		RETURNING revision`, body, stage, doc.Revision).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.missOrConflict(ctx, `SELECT revision FROM scenarios WHERE stage = $1`, int64(stage), "template")
	}
	if err != nil {
		return persistenceErr("save template", err)
	}
	doc.Stage, doc.Revision = stage, rev
	return nil
}

// SavePatientScenario writes a patient document with the same CAS rules.
func (s *Store) SavePatientScenario(ctx context.Context, recipientID int64, doc *Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("scenario: encode patient scenario: %w", err)
	}
	var rev int64
	err = s.db.QueryRow(ctx, `
		UPDATE patient_scenarios SET document = $1, revision = revision + 1, updated_at = now()
		WHERE recipient_id = $2 AND revision = $3
		RETURNING revision`, body, recipientID, doc.Revision).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.missOrConflict(ctx, `SELECT revision FROM patient_scenarios WHERE recipient_id = $1`, recipientID, "patient scenario")
	}
	if err != nil {
		return persistenceErr("save patient scenario", err)
	}
	doc.Revision = rev
	return nil
}

func (s *Store) missOrConflict(ctx context.Context, query string, key int64, what string) error {
	var current int64
	err := s.db.QueryRow(ctx, query, key).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("scenario: save %s %d: %w", what, key, ErrNotFound)
	}
	if err != nil {
		return persistenceErr("save "+what, err)
	}
	return fmt.Errorf("scenario: save %s %d at revision %d: %w", what, key, current, ErrConflict)
}

// ListTemplates returns every stage template ordered by stage.
func (s *Store) ListTemplates(ctx context.Context) ([]TemplateSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT stage, document, revision FROM scenarios ORDER BY stage`)
	if err != nil {
		return nil, persistenceErr("list templates", err)
	}
	defer rows.Close()
	var out []TemplateSummary
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, persistenceErr("scan template", err)
		}
		out = append(out, TemplateSummary{
			Stage:     doc.Stage,
			NameStage: doc.NameStage,
			Revision:  doc.Revision,
			Messages:  len(doc.Messages),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("list templates", err)
	}
	return out, nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		stage int
		body  []byte
		rev   int64
	)
	if err := row.Scan(&stage, &body, &rev); err != nil {
		return nil, err
	}
	doc := &Document{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, doc); err != nil {
			return nil, fmt.Errorf("%w: stage %d: %w", ErrMalformed, stage, err)
		}
	}
	doc.Stage, doc.Revision = stage, rev
	return doc, nil
}

// FindClientByRecipient returns the client registered under a chat id.
func (s *Store) FindClientByRecipient(ctx context.Context, recipientID int64) (*Client, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, recipient_id, first_name, last_name, phone, stage, crm_id
		FROM clients WHERE recipient_id = $1`, recipientID)
	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scenario: client %d: %w", recipientID, ErrNotFound)
	}
	if err != nil {
		return nil, persistenceErr("find client", err)
	}
	return c, nil
}

// FindClient returns a client by primary key.
func (s *Store) FindClient(ctx context.Context, id int64) (*Client, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, recipient_id, first_name, last_name, phone, stage, crm_id
		FROM clients WHERE id = $1`, id)
	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scenario: client id %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistenceErr("find client", err)
	}
	return c, nil
}

// ListClients returns every client that has a CRM id.
func (s *Store) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, recipient_id, first_name, last_name, phone, stage, crm_id
		FROM clients WHERE crm_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, persistenceErr("list clients", err)
	}
	defer rows.Close()
	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, persistenceErr("scan client", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("list clients", err)
	}
	return out, nil
}

func scanClient(row pgx.Row) (*Client, error) {
	var (
		c                  Client
		first, last, phone *string
		stage              *int
		crm                *int64
	)
	if err := row.Scan(&c.ID, &c.RecipientID, &first, &last, &phone, &stage, &crm); err != nil {
		return nil, err
	}
	c.FirstName, c.LastName, c.Phone = deref(first), deref(last), deref(phone)
	if stage != nil {
		c.Stage = *stage
	}
	if crm != nil {
		c.CRMID = *crm
	}
	return &c, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// FindDoctor returns a doctor by primary key.
func (s *Store) FindDoctor(ctx context.Context, id int64) (*Doctor, error) {
	var d Doctor
	var crm *int64
	err := s.db.QueryRow(ctx, `
		SELECT id, first_name, last_name, crm_id FROM doctors WHERE id = $1`, id).
		Scan(&d.ID, &d.FirstName, &d.LastName, &crm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scenario: doctor %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistenceErr("find doctor", err)
	}
	if crm != nil {
		d.CRMID = *crm
	}
	return &d, nil
}

// FindDoctorByName resolves a doctor by first and last name.
func (s *Store) FindDoctorByName(ctx context.Context, firstName, lastName string) (*Doctor, error) {
	var d Doctor
	var crm *int64
	err := s.db.QueryRow(ctx, `
		SELECT id, first_name, last_name, crm_id FROM doctors
		WHERE first_name = $1 AND last_name = $2
		ORDER BY id LIMIT 1`, firstName, lastName).
		Scan(&d.ID, &d.FirstName, &d.LastName, &crm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scenario: doctor %s %s: %w", lastName, firstName, ErrNotFound)
	}
	if err != nil {
		return nil, persistenceErr("find doctor by name", err)
	}
	if crm != nil {
		d.CRMID = *crm
	}
	return &d, nil
}

// DoctorCRMIDForRecipient returns the CRM id of the doctor on the client's
// active appointment.
func (s *Store) DoctorCRMIDForRecipient(ctx context.Context, recipientID int64) (int64, error) {
	var crm *int64
	err := s.db.QueryRow(ctx, `
		SELECT d.crm_id FROM appointments a
		JOIN clients c ON c.id = a.client_id
		JOIN doctors d ON d.id = a.doctor_id
		WHERE c.recipient_id = $1`, recipientID).Scan(&crm)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("scenario: doctor for recipient %d: %w", recipientID, ErrNotFound)
	}
	if err != nil {
		return 0, persistenceErr("doctor for recipient", err)
	}
	if crm == nil {
		return 0, fmt.Errorf("scenario: doctor for recipient %d has no crm id: %w", recipientID, ErrNotFound)
	}
	return *crm, nil
}

const appointmentColumns = `a.id, a.client_id, a.doctor_id, a.procedure_id, a.start_time, a.end_time,
		a.room_name, a.processed, a.needs_manual_routing, c.recipient_id, COALESCE(c.first_name, ''),
		COALESCE(d.crm_id, 0)`

// LoadAppointment returns the active appointment of a client.
func (s *Store) LoadAppointment(ctx context.Context, clientID int64) (*Appointment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		JOIN clients c ON c.id = a.client_id
		LEFT JOIN doctors d ON d.id = a.doctor_id
		WHERE a.client_id = $1`, clientID)
	a, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scenario: appointment for client %d: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return nil, persistenceErr("load appointment", err)
	}
	return a, nil
}

// ListUnprocessedAppointments returns auto-routed appointments whose
// messages have not been scheduled yet.
func (s *Store) ListUnprocessedAppointments(ctx context.Context) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		JOIN clients c ON c.id = a.client_id
		LEFT JOIN doctors d ON d.id = a.doctor_id
		WHERE a.processed = false AND a.needs_manual_routing = false
		ORDER BY a.start_time`)
	if err != nil {
		return nil, persistenceErr("list unprocessed appointments", err)
	}
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, persistenceErr("scan appointment", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("list unprocessed appointments", err)
	}
	return out, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var room *string
	var doctorID *int64
	err := row.Scan(&a.ID, &a.ClientID, &doctorID, &a.ProcedureID, &a.StartTime, &a.EndTime,
		&room, &a.Processed, &a.NeedsManualRouting, &a.RecipientID, &a.ClientFirstName, &a.DoctorCRMID)
	if err != nil {
		return nil, err
	}
	a.Room = deref(room)
	if doctorID != nil {
		a.DoctorID = *doctorID
	}
	return &a, nil
}

// MarkAppointmentProcessed flags an appointment as scheduled.
func (s *Store) MarkAppointmentProcessed(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET processed = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return persistenceErr("mark appointment processed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scenario: mark appointment %d processed: %w", id, ErrNotFound)
	}
	return nil
}

// Binding is everything the binder commits for one appointment.
type Binding struct {
	Appointment Appointment
	RecipientID int64
	Stage       int
	Document    *Document
}

// CommitBinding upserts the appointment, moves the client to the new stage
// and replaces the patient scenario in one transaction.
func (s *Store) CommitBinding(ctx context.Context, b Binding) (err error) {
	body, err := json.Marshal(b.Document)
	if err != nil {
		return fmt.Errorf("scenario: encode binding document: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return persistenceErr("begin binding", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	a := b.Appointment
	err = tx.QueryRow(ctx, `
		INSERT INTO appointments (client_id, doctor_id, procedure_id, start_time, end_time, room_name,
			processed, needs_manual_routing, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (client_id) DO UPDATE SET
			doctor_id = EXCLUDED.doctor_id,
			procedure_id = EXCLUDED.procedure_id,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			room_name = EXCLUDED.room_name,
			processed = EXCLUDED.processed,
			needs_manual_routing = EXCLUDED.needs_manual_routing,
			updated_at = now()
		RETURNING id`,
		a.ClientID, nullableID(a.DoctorID), a.ProcedureID, a.StartTime, a.EndTime, a.Room,
		a.Processed, a.NeedsManualRouting).Scan(&a.ID)
	if err != nil {
		return persistenceErr("upsert appointment", err)
	}

	if _, err = tx.Exec(ctx, `UPDATE clients SET stage = $1 WHERE id = $2`, b.Stage, a.ClientID); err != nil {
		return persistenceErr("update client stage", err)
	}

	var rev int64
	err = tx.QueryRow(ctx, `
		INSERT INTO patient_scenarios (recipient_id, stage, document, revision, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (recipient_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			document = EXCLUDED.document,
			revision = patient_scenarios.revision + 1,
			updated_at = now()
		RETURNING revision`, b.RecipientID, b.Stage, body).Scan(&rev)
	if err != nil {
		return persistenceErr("upsert patient scenario", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return persistenceErr("commit binding", err)
	}
	b.Document.Stage, b.Document.Revision = b.Stage, rev
	return nil
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// MediaURL looks up an individualized media link by "{stage}.{slot}.{doctorCrmId}".
func (s *Store) MediaURL(ctx context.Context, key string) (string, error) {
	var url string
	err := s.db.QueryRow(ctx, `
		SELECT url FROM media_links WHERE media_key = $1 ORDER BY id LIMIT 1`, key).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("scenario: media %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", persistenceErr("media url", err)
	}
	return url, nil
}

// PurgeStale deletes clients whose appointment started before cutoff together
// with their appointments and patient scenarios.
func (s *Store) PurgeStale(ctx context.Context, cutoff time.Time) (res PurgeResult, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return res, persistenceErr("begin purge", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT DISTINCT a.client_id, c.recipient_id FROM appointments a
		JOIN clients c ON c.id = a.client_id
		WHERE a.start_time < $1`, cutoff)
	if err != nil {
		return res, persistenceErr("select stale appointments", err)
	}
	var clientIDs, recipientIDs []int64
	for rows.Next() {
		var cid, rid int64
		if err = rows.Scan(&cid, &rid); err != nil {
			rows.Close()
			return res, persistenceErr("scan stale appointment", err)
		}
		clientIDs = append(clientIDs, cid)
		recipientIDs = append(recipientIDs, rid)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return res, persistenceErr("select stale appointments", err)
	}
	if len(clientIDs) == 0 {
		err = tx.Commit(ctx)
		if err != nil {
			return res, persistenceErr("commit purge", err)
		}
		return res, nil
	}

	tag, err := tx.Exec(ctx, `DELETE FROM appointments WHERE client_id = ANY($1)`, clientIDs)
	if err != nil {
		return res, persistenceErr("delete appointments", err)
	}
	res.Appointments = tag.RowsAffected()
	tag, err = tx.Exec(ctx, `DELETE FROM patient_scenarios WHERE recipient_id = ANY($1)`, recipientIDs)
	if err != nil {
		return res, persistenceErr("delete patient scenarios", err)
	}
	res.Scenarios = tag.RowsAffected()
	tag, err = tx.Exec(ctx, `DELETE FROM clients WHERE id = ANY($1)`, clientIDs)
	if err != nil {
		return res, persistenceErr("delete clients", err)
	}
	res.Clients = tag.RowsAffected()

	if err = tx.Commit(ctx); err != nil {
		return res, persistenceErr("commit purge", err)
	}
	return res, nil
}
