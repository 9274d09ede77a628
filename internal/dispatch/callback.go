package dispatch

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"relayNode/internal/httputil"
	"relayNode/internal/monitoring"
	"relayNode/internal/state"
)

// MaxCallbackBytes bounds the callback body; a hex-encoded JPEG doubles in size.
const MaxCallbackBytes = 16 << 20

// ResultSink applies a detection result to shared state and broadcasts it.
type ResultSink interface {
	PublishDetection(d state.Detection)
}

// ResultMessage is the wire form of a detection result on the callback and on
// the detection-model channel. Frame is hex-encoded JPEG.
type ResultMessage struct {
	CarCount     *int   `json:"car_count"`
	HasAmbulance bool   `json:"has_ambulance"`
	Frame        string `json:"frame,omitempty"`
}

// Detection validates m and decodes its frame.
func (m ResultMessage) Detection() (state.Detection, error) {
	if m.CarCount == nil {
		return state.Detection{}, errors.New("car_count is required")
	}
	if *m.CarCount < 0 {
		return state.Detection{}, fmt.Errorf("car_count must be non-negative, got %d", *m.CarCount)
	}
	d := state.Detection{CarCount: *m.CarCount, HasAmbulance: m.HasAmbulance}
	if m.Frame != "" {
		frame, err := hex.DecodeString(m.Frame)
		if err != nil {
			return state.Detection{}, fmt.Errorf("decode frame: %w", err)
		}
		d.Frame = frame
	}
	return d, nil
}

// CallbackHandler serves POST /detection_results.
type CallbackHandler struct {
	Sink ResultSink
}

// NewCallbackHandler returns a handler that forwards results to sink.
func NewCallbackHandler(sink ResultSink) *CallbackHandler {
	return &CallbackHandler{Sink: sink}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			monitoring.Logf("Panic while processing detection results: %v", rec)
			httputil.InternalServerError(w, fmt.Sprint(rec))
		}
	}()

	var msg ResultMessage
	body := http.MaxBytesReader(w, r.Body, MaxCallbackBytes)
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		monitoring.Logf("Failed to decode detection results: %v", err)
		httputil.InternalServerError(w, err.Error())
		return
	}

	d, err := msg.Detection()
	if err != nil {
		monitoring.Logf("Failed to process detection results: %v", err)
		httputil.InternalServerError(w, err.Error())
		return
	}

	h.Sink.PublishDetection(d)
	httputil.WriteJSONOK(w, map[string]string{"status": "success"})
}
