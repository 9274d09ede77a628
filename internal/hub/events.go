package hub

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Event names carried in the JSON envelope of text messages.
const (
	EventStart           = "start"
	EventFrame           = "frame"
	EventDetectionResult = "detection_result"
	EventDetectionUpdate = "detection_update"
	EventControlCommand  = "control_command"
	EventSetCarCount     = "set_car_count"
	EventSetSpeed        = "set_speed"
)

// envelope is an inbound text message.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// event is an outbound text message.
type event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// DetectionUpdate is the status pushed to web operators.
type DetectionUpdate struct {
	CarCount     int  `json:"car_count"`
	HasAmbulance bool `json:"has_ambulance"`
}

// binaryResult is a detection result pushed as a msgpack binary message. The
// frame travels as raw bytes instead of hex.
type binaryResult struct {
	CarCount     int    `msgpack:"car_count"`
	HasAmbulance bool   `msgpack:"has_ambulance"`
	Frame        []byte `msgpack:"frame"`
}

func textEvent(name string, data interface{}) (outbound, error) {
	b, err := json.Marshal(event{Event: name, Data: data})
	if err != nil {
		return outbound{}, err
	}
	return outbound{messageType: websocket.TextMessage, data: b}, nil
}

func binaryFrame(frame []byte) outbound {
	return outbound{messageType: websocket.BinaryMessage, data: frame}
}
