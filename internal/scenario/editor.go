package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// DocumentStore is the persistence surface the editor needs.
type DocumentStore interface {
	LoadDocument(ctx context.Context, target Target, key string) (*Document, error)
	SaveDocument(ctx context.Context, target Target, key string, doc *Document) error
}

// Ref addresses one document. A non-zero Revision must match the stored
// revision before any change is attempted.
type Ref struct {
	Target   Target
	Key      string
	Revision int64
}

// NewMessage is an entry to add; its slot and key are assigned on insert.
type NewMessage struct {
	Content  string
	Time     string
	URL      string
	Kind     Kind
	SurveyID *int64
}

// Field selects what EditMessage changes.
type Field string

const (
	FieldContent Field = "content"
	FieldTime    Field = "time"
)

// Edit describes a single-field change. URL, Kind and SurveyID only apply
// to content edits.
type Edit struct {
	Field    Field
	Value    string
	URL      *string
	Kind     *Kind
	SurveyID *int64
}

// Editor runs load-mutate-store round trips for admin edits.
type Editor struct {
	store  DocumentStore
	logger *logging.Logger
}

// NewEditor creates an editor over store.
func NewEditor(store DocumentStore, logger *logging.Logger) *Editor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Editor{store: store, logger: logger}
}

// Get loads the referenced document.
func (e *Editor) Get(ctx context.Context, ref Ref) (*Document, error) {
	return e.load(ctx, ref)
}

// AddMessage inserts a message and persists the re-sorted document.
func (e *Editor) AddMessage(ctx context.Context, ref Ref, m NewMessage) (*Document, error) {
	return e.mutate(ctx, ref, "add message", func(doc *Document) (*Document, error) {
		return doc.Insert(Message{
			Content:  m.Content,
			Time:     m.Time,
			URL:      m.URL,
			Kind:     m.Kind,
			SurveyID: m.SurveyID,
		})
	})
}

// EditMessage changes the content or time of the message in slot.
func (e *Editor) EditMessage(ctx context.Context, ref Ref, slot int, edit Edit) (*Document, error) {
	return e.mutate(ctx, ref, "edit message", func(doc *Document) (*Document, error) {
		switch edit.Field {
		case FieldTime:
			return doc.EditTime(slot, edit.Value)
		case FieldContent:
			return doc.EditContent(slot, ContentPatch{
				Content:  edit.Value,
				URL:      edit.URL,
				Kind:     edit.Kind,
				SurveyID: edit.SurveyID,
			})
		default:
			return nil, fmt.Errorf("scenario: unknown field %q", edit.Field)
		}
	})
}

// DeleteMessage removes the message in slot.
func (e *Editor) DeleteMessage(ctx context.Context, ref Ref, slot int) (*Document, error) {
	return e.mutate(ctx, ref, "delete message", func(doc *Document) (*Document, error) {
		out, _, err := doc.Delete(slot)
		return out, err
	})
}

func (e *Editor) load(ctx context.Context, ref Ref) (*Document, error) {
	if ref.Target != TargetPatient && ref.Target != TargetTemplate {
		return nil, fmt.Errorf("scenario: unknown target %q", ref.Target)
	}
	return e.store.LoadDocument(ctx, ref.Target, ref.Key)
}

func (e *Editor) mutate(ctx context.Context, ref Ref, op string, apply func(*Document) (*Document, error)) (*Document, error) {
	doc, err := e.load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("scenario: %s: %w", op, err)
	}
	if ref.Revision != 0 && ref.Revision != doc.Revision {
		return nil, fmt.Errorf("scenario: %s: have revision %d, stored %d: %w", op, ref.Revision, doc.Revision, ErrConflict)
	}
	updated, err := apply(doc)
	if err != nil {
		return nil, err
	}
	updated.Revision = doc.Revision
	if err := e.store.SaveDocument(ctx, ref.Target, ref.Key, updated); err != nil {
		if !errors.Is(err, ErrConflict) {
			e.logger.Error("scenario: save failed", "op", op, "target", ref.Target, "key", ref.Key, "error", err)
		}
		return nil, fmt.Errorf("scenario: %s: %w", op, err)
	}
	e.logger.Info("scenario: document updated",
		"op", op, "target", ref.Target, "key", ref.Key,
		"revision", updated.Revision, "messages", len(updated.Messages))
	return updated, nil
}
