package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

const (
	dateLayout     = "02.01.2006"
	dateTimeLayout = "02.01.2006 15:04"
)

var crmTracer = otel.Tracer("clinic.internal.crm")

// Config controls how the CRM client behaves.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Location   *time.Location
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client talks to the clinic CRM command endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	loc        *time.Location
	logger     *logging.Logger
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("crm: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{baseURL: baseURL, apiKey: cfg.APIKey, httpClient: httpClient, loc: loc, logger: logger}, nil
}

// Booking is one CRM appointment of a patient.
type Booking struct {
	ProcedureID int64
	DoctorFirst string
	DoctorLast  string
	Service     string
	Start       time.Time
	End         time.Time
	Room        string
}

type bookItem struct {
	TName string  `json:"t_name"`
	SName string  `json:"s_name"`
	DtBeg string  `json:"dt_beg"`
	DtEnd string  `json:"dt_end"`
	ZName string  `json:"z_name"`
	IDTov flexInt `json:"id_tov"`
}

// flexInt accepts ids sent either as numbers or as numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("crm: id %s: %w", data, err)
	}
	*f = flexInt(n)
	return nil
}

// Bookings returns the patient's bookings in [from, to] (calendar days).
// Items missing a service, doctor or times, and items whose doctor name is
// not "Last First", are skipped.
func (c *Client) Bookings(ctx context.Context, patientCRMID int64, from, to time.Time) ([]Booking, error) {
	ctx, span := crmTracer.Start(ctx, "crm.get_book")
	defer span.End()
	span.SetAttributes(attribute.Int64("crm.patient_id", patientCRMID))

	var resp struct {
		Result struct {
			Items []bookItem `json:"items"`
		} `json:"result"`
	}
	err := c.command(ctx, map[string]any{
		"command": "get_book",
		"id":      patientCRMID,
		"beg_per": from.In(c.loc).Format(dateLayout),
		"end_per": to.In(c.loc).Format(dateLayout),
	}, &resp)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make([]Booking, 0, len(resp.Result.Items))
	for _, item := range resp.Result.Items {
		b, ok := c.toBooking(item)
		if !ok {
			c.logger.Debug("crm: skipping incomplete booking", "patient_crm_id", patientCRMID, "service", item.TName)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (c *Client) toBooking(item bookItem) (Booking, bool) {
	if item.TName == "" || item.SName == "" || item.DtBeg == "" || item.DtEnd == "" {
		return Booking{}, false
	}
	name := strings.Fields(item.SName)
	if len(name) < 2 {
		return Booking{}, false
	}
	start, err := time.ParseInLocation(dateTimeLayout, item.DtBeg, c.loc)
	if err != nil {
		return Booking{}, false
	}
	end, err := time.ParseInLocation(dateTimeLayout, item.DtEnd, c.loc)
	if err != nil {
		return Booking{}, false
	}
	return Booking{
		ProcedureID: int64(item.IDTov),
		DoctorLast:  name[0],
		DoctorFirst: name[1],
		Service:     item.TName,
		Start:       start,
		End:         end,
		Room:        item.ZName,
	}, true
}

func (c *Client) command(ctx context.Context, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("crm: marshal command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("crm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crm: %s: %w", payload["command"], err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("crm: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("crm: %s: http status %d", payload["command"], resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("crm: decode %s response: %w", payload["command"], err)
	}
	return nil
}
