package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebobo/modem_health_go/pkg/firmware"
	"github.com/ebobo/modem_health_go/pkg/model"
	"github.com/ebobo/modem_health_go/pkg/store/kv"
	sqlitestore "github.com/ebobo/modem_health_go/pkg/store/sqlite"
)

type staticStatus model.Status

func (s staticStatus) Status() model.Status { return model.Status(s) }

type sink struct {
	err    error
	kinds  []string
	fields []map[string]interface{}
}

func (s *sink) Enqueue(ctx context.Context, kind string, fields map[string]interface{}) error {
	if s.err != nil {
		return s.err
	}
	s.kinds = append(s.kinds, kind)
	s.fields = append(s.fields, fields)
	return nil
}

func newTestServer(t *testing.T) (*Server, *kv.Store, *sink) {
	t.Helper()
	counters, err := kv.New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	require.NoError(t, counters.Set(firmware.SettingKey("ue_mode"), 30))
	require.NoError(t, counters.Set(firmware.FirmwareKey("EG25GGBR07A08M2G_30.006.30.006"), 2))
	require.NoError(t, counters.Set("feature_flag", true))

	ev := &sink{}
	s := New(Config{
		Status: staticStatus{
			Serial:       "GW-1",
			NetworkState: "local_only",
			QueuedEvents: 4,
			Modem:        &model.ModemStatus{Revision: "EG25GGBR07A08M2G"},
		},
		Counters: counters,
		Events:   ev,
	})
	return s, counters, ev
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st model.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "GW-1", st.Serial)
	assert.Equal(t, "local_only", st.NetworkState)
	assert.Equal(t, 4, st.QueuedEvents)
	require.NotNil(t, st.Modem)
	assert.Equal(t, "EG25GGBR07A08M2G", st.Modem.Revision)

	rec = do(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Modem health agent")
}

func TestCounters(t *testing.T) {
	s, counters, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/counters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []model.Counter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []model.Counter{
		{Key: "firmware_retries_EG25GGBR07A08M2G_30.006.30.006", Value: 2},
		{Key: "setting_retries_ue_mode", Value: 30},
	}, got)

	rec = do(t, s, http.MethodDelete, "/api/v1/counters/setting_retries_ue_mode", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, counters.GetInt(firmware.SettingKey("ue_mode"), 0))

	rec = do(t, s, http.MethodDelete, "/api/v1/counters/setting_retries_ue_mode", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/v1/counters/feature_flag", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, true, counters.Get("feature_flag", false))

	rec = do(t, s, http.MethodPut, "/api/v1/counters", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPostEvent(t *testing.T) {
	s, _, ev := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/events", `{"type":"lora_restart","fields":{"reason":"watchdog"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"lora_restart"}, ev.kinds)
	assert.Equal(t, "watchdog", ev.fields[0]["reason"])

	rec = do(t, s, http.MethodPost, "/api/v1/events", `{"fields":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ev.err = sqlitestore.ErrFull
	rec = do(t, s, http.MethodPost, "/api/v1/events", `{"type":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
