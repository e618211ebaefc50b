package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var cmd map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		assert.Equal(t, "get_book", cmd["command"])
		assert.Equal(t, float64(555), cmd["id"])
		assert.Equal(t, "08.03.2024", cmd["beg_per"])
		assert.Equal(t, "14.03.2024", cmd["end_per"])
		w.Write([]byte(`{"result":{"items":[
			{"t_name":"Consultation","s_name":"Petrova Olga","dt_beg":"11.03.2024 10:00","dt_end":"11.03.2024 10:30","z_name":"Room 2","id_tov":4331},
			{"t_name":"Scan","s_name":"Ivanov Petr","dt_beg":"12.03.2024 09:15","dt_end":"12.03.2024 09:45","z_name":"","id_tov":"4332"},
			{"t_name":"Broken","s_name":"Mononym","dt_beg":"12.03.2024 09:15","dt_end":"12.03.2024 09:45","id_tov":1},
			{"t_name":"","s_name":"Petrova Olga","dt_beg":"12.03.2024 09:15","dt_end":"12.03.2024 09:45","id_tov":1},
			{"t_name":"Bad date","s_name":"Petrova Olga","dt_beg":"2024-03-12","dt_end":"12.03.2024 09:45","id_tov":1}
		]}}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, APIKey: "secret"})
	require.NoError(t, err)

	today := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	bookings, err := client.Bookings(context.Background(), 555, today.AddDate(0, 0, -2), today.AddDate(0, 0, 4))
	require.NoError(t, err)
	require.Len(t, bookings, 2)

	assert.Equal(t, Booking{
		ProcedureID: 4331,
		DoctorFirst: "Olga",
		DoctorLast:  "Petrova",
		Service:     "Consultation",
		Start:       time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 3, 11, 10, 30, 0, 0, time.UTC),
		Room:        "Room 2",
	}, bookings[0])
	assert.Equal(t, int64(4332), bookings[1].ProcedureID)
}

func TestBookingsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)
	_, err = client.Bookings(context.Background(), 1, time.Now(), time.Now())
	assert.ErrorContains(t, err, "502")
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
