// Package state owns the relay's shared mutable state: per-role connectivity,
// the latest detection result and the registry of live sessions.
package state

import (
	"fmt"
	"sync"
)

// Role is a logical endpoint category in the relay.
type Role int

const (
	Camera Role = iota
	DetectionModel
	FieldController
	WebOperator
)

// Roles lists every role in registry order.
var Roles = []Role{Camera, DetectionModel, FieldController, WebOperator}

func (r Role) String() string {
	switch r {
	case Camera:
		return "camera"
	case DetectionModel:
		return "detection-model"
	case FieldController:
		return "field-controller"
	case WebOperator:
		return "web-operator"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// SingleSlot reports whether the role tracks only its most recent session.
func (r Role) SingleSlot() bool {
	return r != WebOperator
}

func (r Role) valid() bool {
	return r >= Camera && r <= WebOperator
}

// SessionID identifies one channel connection.
type SessionID string

// Detection is a result produced by the detection service.
type Detection struct {
	CarCount     int
	HasAmbulance bool

	// Frame is the annotated JPEG, nil when the result carried none.
	Frame []byte
}

// Status is a copy of SystemStatus.
type Status struct {
	CameraConnected          bool `json:"camera_connected"`
	DetectionModelConnected  bool `json:"detection_model_connected"`
	FieldControllerConnected bool `json:"field_controller_connected"`
	WebOperators             int  `json:"web_operators"`
	CarCount                 int  `json:"car_count"`
	HasAmbulance             bool `json:"has_ambulance"`
}

// Connected reports the connectivity flag for role.
func (s Status) Connected(role Role) bool {
	switch role {
	case Camera:
		return s.CameraConnected
	case DetectionModel:
		return s.DetectionModelConnected
	case FieldController:
		return s.FieldControllerConnected
	case WebOperator:
		return s.WebOperators > 0
	}
	return false
}

// State is created once at startup and mutated only through its methods.
type State struct {
	mu        sync.RWMutex
	current   [3]SessionID // single-slot roles, indexed by Role
	operators map[SessionID]struct{}
	carCount  int
	ambulance bool
}

// New returns an empty State with every role disconnected.
func New() *State {
	return &State{operators: make(map[SessionID]struct{})}
}

// Connect registers id for role and marks the role connected. For single-slot
// roles it returns the session id it superseded, or "" if the slot was empty.
// The superseded session is not torn down.
func (s *State) Connect(role Role, id SessionID) (superseded SessionID, err error) {
	if !role.valid() {
		return "", fmt.Errorf("unknown role %d", int(role))
	}
	if id == "" {
		return "", fmt.Errorf("empty session id for %s", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if role == WebOperator {
		s.operators[id] = struct{}{}
		return "", nil
	}
	superseded = s.current[role]
	s.current[role] = id
	return superseded, nil
}

// Disconnect removes id from role. A single-slot role is cleared only when id
// is still its current session, so a late disconnect from a superseded
// session leaves its replacement registered. It reports whether anything changed.
func (s *State) Disconnect(role Role, id SessionID) bool {
	if !role.valid() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if role == WebOperator {
		if _, ok := s.operators[id]; !ok {
			return false
		}
		delete(s.operators, id)
		return true
	}
	if s.current[role] != id {
		return false
	}
	s.current[role] = ""
	return true
}

// Current returns the live session for a single-slot role.
func (s *State) Current(role Role) (SessionID, bool) {
	if !role.valid() || !role.SingleSlot() {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := s.current[role]
	return id, id != ""
}

// Sessions returns every registered session for role.
func (s *State) Sessions(role Role) []SessionID {
	if !role.valid() {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if role == WebOperator {
		ids := make([]SessionID, 0, len(s.operators))
		for id := range s.operators {
			ids = append(ids, id)
		}
		return ids
	}
	if id := s.current[role]; id != "" {
		return []SessionID{id}
	}
	return nil
}

// ApplyDetection records the latest result. Last write wins; results from
// different paths are not sequenced.
func (s *State) ApplyDetection(d Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carCount = d.CarCount
	s.ambulance = d.HasAmbulance
}

// Snapshot returns a copy of SystemStatus.
func (s *State) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		CameraConnected:          s.current[Camera] != "",
		DetectionModelConnected:  s.current[DetectionModel] != "",
		FieldControllerConnected: s.current[FieldController] != "",
		WebOperators:             len(s.operators),
		CarCount:                 s.carCount,
		HasAmbulance:             s.ambulance,
	}
}
