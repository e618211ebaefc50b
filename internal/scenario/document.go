package scenario

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Message is one deliverable entry of a scenario document. ID is the 1-based
// slot and changes on every structural edit; Key is stable for the entry's
// lifetime.
type Message struct {
	ID       int       `json:"id"`
	Key      uuid.UUID `json:"key"`
	Content  string    `json:"content"`
	Time     string    `json:"time"`
	Kind     Kind      `json:"type"`
	URL      string    `json:"url,omitempty"`
	SurveyID *int64    `json:"id_survey,omitempty"`

	rawType string
}

// ProcedureBinding lists the slots that belong to one procedure.
type ProcedureBinding struct {
	ProcedureID int64 `json:"procedure_id,omitempty"`
	MessageIDs  []int `json:"message_ids"`
}

// Document is a stage template or a patient's instantiated scenario.
// Stage and Revision live in their own columns, not in the JSON body.
type Document struct {
	Stage      int                `json:"-"`
	Revision   int64              `json:"-"`
	NameStage  string             `json:"name_stage"`
	Messages   []Message          `json:"messages"`
	Procedures []ProcedureBinding `json:"procedures"`
}

// ContentPatch replaces the content of a message; nil fields stay unchanged.
type ContentPatch struct {
	Content  string
	URL      *string
	Kind     *Kind
	SurveyID *int64
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Messages = make([]Message, len(d.Messages))
	for i, m := range d.Messages {
		if m.SurveyID != nil {
			id := *m.SurveyID
			m.SurveyID = &id
		}
		out.Messages[i] = m
	}
	out.Procedures = make([]ProcedureBinding, len(d.Procedures))
	for i, p := range d.Procedures {
		p.MessageIDs = append([]int(nil), p.MessageIDs...)
		out.Procedures[i] = p
	}
	return &out
}

// Renumber sorts messages by offset (stable for equal offsets), reassigns
// slot ids 1..n and rewrites procedure bindings so they keep pointing at the
// same entries. Ids that no longer resolve are dropped.
func (d *Document) Renumber() {
	byOldID := make(map[int]uuid.UUID, len(d.Messages))
	for i := range d.Messages {
		if d.Messages[i].Key == uuid.Nil {
			d.Messages[i].Key = uuid.New()
		}
		if d.Messages[i].ID > 0 {
			if _, dup := byOldID[d.Messages[i].ID]; !dup {
				byOldID[d.Messages[i].ID] = d.Messages[i].Key
			}
		}
	}

	sort.SliceStable(d.Messages, func(i, j int) bool {
		return SortKey(d.Messages[i].Time) < SortKey(d.Messages[j].Time)
	})

	byKey := make(map[uuid.UUID]int, len(d.Messages))
	for i := range d.Messages {
		d.Messages[i].ID = i + 1
		byKey[d.Messages[i].Key] = i + 1
	}

	for i := range d.Procedures {
		ids := make([]int, 0, len(d.Procedures[i].MessageIDs))
		for _, old := range d.Procedures[i].MessageIDs {
			key, ok := byOldID[old]
			if !ok {
				continue
			}
			if id, ok := byKey[key]; ok {
				ids = append(ids, id)
			}
		}
		d.Procedures[i].MessageIDs = ids
	}
}

// Insert appends m and renumbers. The receiver is left untouched.
func (d *Document) Insert(m Message) (*Document, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("scenario: insert message: invalid type %s", m.Kind)
	}
	if _, err := ParseOffset(m.Time); err != nil {
		return nil, fmt.Errorf("scenario: insert message: %w", err)
	}
	if m.Kind != KindSurvey {
		m.SurveyID = nil
	}
	m.ID = 0
	m.Key = uuid.New()

	out := d.Clone()
	out.Messages = append(out.Messages, m)
	out.Renumber()
	return out, nil
}

// Delete removes the message in slot and renumbers.
func (d *Document) Delete(slot int) (*Document, Message, error) {
	idx, err := d.slotIndex(slot)
	if err != nil {
		return nil, Message{}, fmt.Errorf("scenario: delete message: %w", err)
	}
	out := d.Clone()
	removed := out.Messages[idx]
	out.Messages = append(out.Messages[:idx], out.Messages[idx+1:]...)
	out.Renumber()
	return out, removed, nil
}

// EditTime replaces the offset expression of slot and re-sorts.
func (d *Document) EditTime(slot int, expr string) (*Document, error) {
	idx, err := d.slotIndex(slot)
	if err != nil {
		return nil, fmt.Errorf("scenario: edit time: %w", err)
	}
	if _, err := ParseOffset(expr); err != nil {
		return nil, fmt.Errorf("scenario: edit time: %w", err)
	}
	out := d.Clone()
	out.Messages[idx].Time = expr
	out.Renumber()
	return out, nil
}

// EditContent applies patch to slot.
func (d *Document) EditContent(slot int, patch ContentPatch) (*Document, error) {
	idx, err := d.slotIndex(slot)
	if err != nil {
		return nil, fmt.Errorf("scenario: edit content: %w", err)
	}
	if patch.Kind != nil && !patch.Kind.Valid() {
		return nil, fmt.Errorf("scenario: edit content: invalid type %s", *patch.Kind)
	}
	out := d.Clone()
	m := &out.Messages[idx]
	m.Content = patch.Content
	if patch.URL != nil {
		m.URL = *patch.URL
	}
	if patch.Kind != nil {
		m.Kind = *patch.Kind
	}
	if patch.SurveyID != nil {
		id := *patch.SurveyID
		m.SurveyID = &id
	}
	if m.Kind != KindSurvey {
		m.SurveyID = nil
	}
	out.Renumber()
	return out, nil
}

// Message returns the entry in slot.
func (d *Document) Message(slot int) (Message, error) {
	idx, err := d.slotIndex(slot)
	if err != nil {
		return Message{}, err
	}
	return d.Messages[idx], nil
}

// MessageByKey finds an entry by its stable key.
func (d *Document) MessageByKey(key uuid.UUID) (Message, bool) {
	for _, m := range d.Messages {
		if m.Key == key {
			return m, true
		}
	}
	return Message{}, false
}

func (d *Document) slotIndex(slot int) (int, error) {
	if d == nil || slot < 1 || slot > len(d.Messages) {
		return -1, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	for i := range d.Messages {
		if d.Messages[i].ID == slot {
			return i, nil
		}
	}
	return slot - 1, nil
}

// CheckInvariants verifies slot numbering, ordering and binding references.
func (d *Document) CheckInvariants() error {
	present := make(map[int]bool, len(d.Messages))
	for i, m := range d.Messages {
		if m.ID != i+1 {
			return fmt.Errorf("scenario: message %d has id %d", i, m.ID)
		}
		if i > 0 && SortKey(d.Messages[i-1].Time) > SortKey(m.Time) {
			return fmt.Errorf("scenario: message %d out of order", m.ID)
		}
		present[m.ID] = true
	}
	for _, p := range d.Procedures {
		for _, id := range p.MessageIDs {
			if !present[id] {
				return fmt.Errorf("scenario: procedure %d references missing message %d", p.ProcedureID, id)
			}
		}
	}
	return nil
}
