package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayNode/internal/state"
)

type recordingSink struct {
	mu      sync.Mutex
	results []state.Detection
	panic   bool
}

func (s *recordingSink) PublishDetection(d state.Detection) {
	if s.panic {
		panic("hub closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, d)
}

func postResults(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/detection_results", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec, resp
}

func TestCallbackAppliesResultWithFrame(t *testing.T) {
	sink := &recordingSink{}
	h := NewCallbackHandler(sink)

	rec, resp := postResults(t, h, `{"car_count":5,"has_ambulance":true,"frame":"ffd8ffd9"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", resp["status"])
	require.Len(t, sink.results, 1)
	assert.Equal(t, state.Detection{CarCount: 5, HasAmbulance: true, Frame: []byte{0xff, 0xd8, 0xff, 0xd9}}, sink.results[0])
}

func TestCallbackWithoutFrame(t *testing.T) {
	sink := &recordingSink{}
	h := NewCallbackHandler(sink)

	rec, _ := postResults(t, h, `{"car_count":0,"has_ambulance":false}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.results, 1)
	assert.Nil(t, sink.results[0].Frame)
}

func TestCallbackFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad hex", `{"car_count":1,"has_ambulance":false,"frame":"zz"}`, "decode frame"},
		{"odd hex", `{"car_count":1,"has_ambulance":false,"frame":"fff"}`, "decode frame"},
		{"not json", `car_count=1`, "invalid character"},
		{"missing count", `{"has_ambulance":true}`, "car_count is required"},
		{"negative count", `{"car_count":-2,"has_ambulance":false}`, "non-negative"},
		{"wrong type", `{"car_count":"five","has_ambulance":false}`, "cannot unmarshal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			rec, resp := postResults(t, NewCallbackHandler(sink), tt.body)

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Contains(t, resp["error"], tt.want)
			assert.Empty(t, sink.results)
		})
	}
}

func TestCallbackRecoversFromSinkPanic(t *testing.T) {
	rec, resp := postResults(t, NewCallbackHandler(&recordingSink{panic: true}), `{"car_count":1,"has_ambulance":false}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "hub closed", resp["error"])
}

func TestCallbackRejectsGet(t *testing.T) {
	rec := httptest.NewRecorder()
	NewCallbackHandler(&recordingSink{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/detection_results", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
