package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-assistant/internal/delivery"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// SessionHeader carries the admin session whose selected scenario and last
// seen revision apply to a mutation.
const SessionHeader = "X-Admin-Session"

type scenarioEditor interface {
	Get(ctx context.Context, ref scenario.Ref) (*scenario.Document, error)
	AddMessage(ctx context.Context, ref scenario.Ref, m scenario.NewMessage) (*scenario.Document, error)
	EditMessage(ctx context.Context, ref scenario.Ref, slot int, edit scenario.Edit) (*scenario.Document, error)
	DeleteMessage(ctx context.Context, ref scenario.Ref, slot int) (*scenario.Document, error)
}

type sessionStore interface {
	Put(ctx context.Context, sess scenario.Session) error
	Get(ctx context.Context, id string) (*scenario.Session, error)
	Advance(ctx context.Context, sess *scenario.Session, revision int64) error
	Delete(ctx context.Context, id string) error
}

type templateLister interface {
	ListTemplates(ctx context.Context) ([]scenario.TemplateSummary, error)
}

type manualSender interface {
	SendNow(ctx context.Context, recipientID int64, stage, slot int) error
}

type welcomeScheduler interface {
	ScheduleWelcome(ctx context.Context, recipientID int64, firstName string) ([]delivery.EnqueueResult, error)
}

// AdminScenariosConfig wires the scenario admin handler. Only Editor is
// required; routes for missing collaborators are not mounted.
type AdminScenariosConfig struct {
	Editor    scenarioEditor
	Sessions  sessionStore
	Templates templateLister
	Sender    manualSender
	Welcome   welcomeScheduler
	// SendLimit wraps the manual send routes, e.g. a per-recipient rate limit.
	SendLimit func(http.Handler) http.Handler
	Logger    *logging.Logger
}

// AdminScenariosHandler serves the scenario editing and manual-send API.
type AdminScenariosHandler struct {
	editor    scenarioEditor
	sessions  sessionStore
	templates templateLister
	sender    manualSender
	welcome   welcomeScheduler
	sendLimit func(http.Handler) http.Handler
	logger    *logging.Logger
}

func NewAdminScenariosHandler(cfg AdminScenariosConfig) *AdminScenariosHandler {
	if cfg.Editor == nil {
		panic("handlers: scenario editor required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminScenariosHandler{
		editor:    cfg.Editor,
		sessions:  cfg.Sessions,
		templates: cfg.Templates,
		sender:    cfg.Sender,
		welcome:   cfg.Welcome,
		sendLimit: cfg.SendLimit,
		logger:    logger,
	}
}

// Routes mounts under /api.
func (h *AdminScenariosHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/scenarios/{target}/{key}", func(r chi.Router) {
		r.Get("/", h.GetScenario)
		r.Post("/messages", h.AddMessage)
		r.Patch("/messages/{slot}", h.EditMessage)
		r.Delete("/messages/{slot}", h.DeleteMessage)
	})
	if h.templates != nil {
		r.Get("/templates", h.ListTemplates)
	}
	if h.sessions != nil {
		r.Put("/sessions/{sessionID}", h.PutSession)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Delete("/sessions/{sessionID}", h.DeleteSession)
	}
	r.Group(func(r chi.Router) {
		if h.sendLimit != nil {
			r.Use(h.sendLimit)
		}
		if h.sender != nil {
			r.Post("/patients/{recipient}/send", h.SendNow)
		}
		if h.welcome != nil {
			r.Post("/patients/{recipient}/welcome", h.SendWelcome)
		}
	})
	return r
}

type documentResponse struct {
	Target   scenario.Target    `json:"target"`
	Key      string             `json:"key"`
	Stage    int                `json:"stage"`
	Revision int64              `json:"revision"`
	Document *scenario.Document `json:"document"`
}

type messageRequest struct {
	Content  string  `json:"content"`
	Time     string  `json:"time"`
	Type     string  `json:"type"`
	URL      string  `json:"url"`
	SurveyID *int64  `json:"id_survey"`
	Field    string  `json:"field"`
	Value    string  `json:"value"`
	NewURL   *string `json:"new_url"`
}

// GetScenario returns one template or patient document.
// GET /api/scenarios/{target}/{key}
func (h *AdminScenariosHandler) GetScenario(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r)
	if !ok {
		return
	}
	doc, err := h.editor.Get(r.Context(), ref)
	if err != nil {
		h.writeError(w, "get scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentResponse(ref, doc))
}

// AddMessage inserts a message.
// POST /api/scenarios/{target}/{key}/messages
func (h *AdminScenariosHandler) AddMessage(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind, err := scenario.ParseKind(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mutate(w, r, ref, "add message", func(ctx context.Context, ref scenario.Ref) (*scenario.Document, error) {
		return h.editor.AddMessage(ctx, ref, scenario.NewMessage{
			Content:  req.Content,
			Time:     req.Time,
			URL:      req.URL,
			Kind:     kind,
			SurveyID: req.SurveyID,
		})
	})
}

// EditMessage changes the content or the time of one message.
// PATCH /api/scenarios/{target}/{key}/messages/{slot}
func (h *AdminScenariosHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r)
	if !ok {
		return
	}
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	edit := scenario.Edit{Field: scenario.Field(strings.ToLower(req.Field)), Value: req.Value, URL: req.NewURL, SurveyID: req.SurveyID}
	if edit.Field != scenario.FieldContent && edit.Field != scenario.FieldTime {
		http.Error(w, fmt.Sprintf("field must be %q or %q", scenario.FieldContent, scenario.FieldTime), http.StatusBadRequest)
		return
	}
	if req.Type != "" {
		kind, err := scenario.ParseKind(req.Type)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		edit.Kind = &kind
	}
	h.mutate(w, r, ref, "edit message", func(ctx context.Context, ref scenario.Ref) (*scenario.Document, error) {
		return h.editor.EditMessage(ctx, ref, slot, edit)
	})
}

// DeleteMessage removes one message.
// DELETE /api/scenarios/{target}/{key}/messages/{slot}
func (h *AdminScenariosHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r)
	if !ok {
		return
	}
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	h.mutate(w, r, ref, "delete message", func(ctx context.Context, ref scenario.Ref) (*scenario.Document, error) {
		return h.editor.DeleteMessage(ctx, ref, slot)
	})
}

// mutate applies the session revision when the request names a session and
// moves the session forward after a successful write.
func (h *AdminScenariosHandler) mutate(w http.ResponseWriter, r *http.Request, ref scenario.Ref, op string,
	apply func(context.Context, scenario.Ref) (*scenario.Document, error)) {
	ctx := r.Context()
	var sess *scenario.Session
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" && h.sessions != nil {
		s, err := h.sessions.Get(ctx, id)
		if err != nil {
			h.writeError(w, "load session", err)
			return
		}
		if s.Target != ref.Target || s.Key != ref.Key {
			http.Error(w, "session has a different scenario selected", http.StatusConflict)
			return
		}
		sess = s
		ref.Revision = s.Revision
	}

	doc, err := apply(ctx, ref)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if sess != nil {
		if err := h.sessions.Advance(ctx, sess, doc.Revision); err != nil {
			h.logger.Warn("admin: session advance failed", "session_id", sess.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, newDocumentResponse(ref, doc))
}

// ListTemplates lists stage templates.
// GET /api/templates
func (h *AdminScenariosHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.templates.ListTemplates(r.Context())
	if err != nil {
		h.writeError(w, "list templates", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

type sessionRequest struct {
	Target string `json:"target"`
	Key    string `json:"key"`
}

// PutSession selects the scenario a session edits and pins its revision.
// PUT /api/sessions/{sessionID}
func (h *AdminScenariosHandler) PutSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := scenario.ParseTarget(req.Target)
	if err != nil || strings.TrimSpace(req.Key) == "" {
		http.Error(w, "target and key required", http.StatusBadRequest)
		return
	}
	ref := scenario.Ref{Target: target, Key: req.Key}
	doc, err := h.editor.Get(r.Context(), ref)
	if err != nil {
		h.writeError(w, "select scenario", err)
		return
	}
	sess := scenario.Session{ID: chi.URLParam(r, "sessionID"), Target: target, Key: req.Key, Revision: doc.Revision}
	if err := h.sessions.Put(r.Context(), sess); err != nil {
		h.writeError(w, "put session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetSession returns the session's selection.
// GET /api/sessions/{sessionID}
func (h *AdminScenariosHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession ends a session.
// DELETE /api/sessions/{sessionID}
func (h *AdminScenariosHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.writeError(w, "delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Stage int `json:"stage"`
	Slot  int `json:"slot"`
}

// SendNow sends one template message to a patient right away.
// POST /api/patients/{recipient}/send
func (h *AdminScenariosHandler) SendNow(w http.ResponseWriter, r *http.Request) {
	recipient, ok := recipientParam(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.sender.SendNow(r.Context(), recipient, req.Stage, req.Slot); err != nil {
		h.writeError(w, "send now", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"recipient_id": recipient, "stage": req.Stage, "slot": req.Slot})
}

type welcomeRequest struct {
	FirstName string `json:"first_name"`
}

// SendWelcome schedules the registration scenario for a patient.
// POST /api/patients/{recipient}/welcome
func (h *AdminScenariosHandler) SendWelcome(w http.ResponseWriter, r *http.Request) {
	recipient, ok := recipientParam(w, r)
	if !ok {
		return
	}
	var req welcomeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	results, err := h.welcome.ScheduleWelcome(r.Context(), recipient, req.FirstName)
	if err != nil {
		h.writeError(w, "welcome", err)
		return
	}
	queued := 0
	for _, res := range results {
		if res.Err == nil {
			queued++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"recipient_id": recipient, "queued": queued})
}

func (h *AdminScenariosHandler) ref(w http.ResponseWriter, r *http.Request) (scenario.Ref, bool) {
	target, err := scenario.ParseTarget(chi.URLParam(r, "target"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return scenario.Ref{}, false
	}
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return scenario.Ref{}, false
	}
	return scenario.Ref{Target: target, Key: key}, true
}

func slotParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		http.Error(w, "slot must be a number", http.StatusUnprocessableEntity)
		return 0, false
	}
	return slot, true
}

func recipientParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "recipient"), 10, 64)
	if err != nil {
		http.Error(w, "recipient must be a number", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func newDocumentResponse(ref scenario.Ref, doc *scenario.Document) documentResponse {
	return documentResponse{Target: ref.Target, Key: ref.Key, Stage: doc.Stage, Revision: doc.Revision, Document: doc}
}

func statusFor(err error) int {
	switch scenario.Classify(err) {
	case scenario.ClassNotFound:
		return http.StatusNotFound
	case scenario.ClassInvalidSlot, scenario.ClassParseFailure:
		return http.StatusUnprocessableEntity
	case scenario.ClassConflict, scenario.ClassStaleBooking:
		return http.StatusConflict
	case scenario.ClassTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *AdminScenariosHandler) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin: request failed", "op", op, "error", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError && !errors.Is(err, scenario.ErrPersistence) {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "class": string(scenario.Classify(err))})
}
