// Package hub serves the role-scoped persistent channels and fans frames and
// status out to subscribed sessions.
package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hybridgroup/mjpeg"
	"github.com/vmihailenco/msgpack"

	"relayNode/internal/dispatch"
	"relayNode/internal/httputil"
	"relayNode/internal/monitoring"
	"relayNode/internal/state"
)

// Channel paths, one per role.
var rolePaths = map[state.Role]string{
	state.Camera:          "/video",
	state.DetectionModel:  "/detection",
	state.FieldController: "/devices",
	state.WebOperator:     "/webinterface",
}

// Path returns the channel path served for role.
func Path(role state.Role) string {
	return rolePaths[role]
}

// StatusPublisher receives a status snapshot after every change.
type StatusPublisher interface {
	PublishStatus(st state.Status)
}

// Config configures a Hub.
type Config struct {
	State     *state.State
	Publisher StatusPublisher

	// CameraStartDelay is how long after connect a camera is told to start streaming.
	CameraStartDelay time.Duration

	// OperatorQueue is the outbox size of each web-operator session.
	OperatorQueue int

	// Stream, if set, is updated with every frame broadcast to operators.
	Stream *mjpeg.Stream
}

// Hub tracks live sessions and implements dispatch.ResultSink.
type Hub struct {
	state            *state.State
	cameraStartDelay time.Duration
	operatorQueue    int
	publisher        StatusPublisher
	stream           *mjpeg.Stream
	upgrader         websocket.Upgrader

	// streamMu serializes UpdateJPEG, which rewrites the stream's frame buffer unlocked.
	streamMu sync.Mutex

	mu       sync.RWMutex
	sessions map[state.SessionID]*session
}

// New creates a Hub.
func New(cfg Config) *Hub {
	st := cfg.State
	if st == nil {
		st = state.New()
	}
	queue := cfg.OperatorQueue
	if queue <= 0 {
		queue = 16
	}
	return &Hub{
		state:            st,
		cameraStartDelay: cfg.CameraStartDelay,
		operatorQueue:    queue,
		publisher:        cfg.Publisher,
		stream:           cfg.Stream,
		sessions:         make(map[state.SessionID]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   65535,
			WriteBufferSize:  65535,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts every channel plus /status and, when configured, /stream.
func (h *Hub) Register(mux *http.ServeMux) {
	for _, role := range state.Roles {
		mux.Handle(Path(role), h.Handler(role))
	}
	mux.HandleFunc("/status", h.handleStatus)
	if h.stream != nil {
		mux.Handle("/stream", h.stream)
	}
}

// Handler upgrades requests to a channel session for role.
func (h *Hub) Handler(role state.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			monitoring.Logf("Failed to upgrade %s channel: %v", role, err)
			return
		}
		h.serveSession(role, conn, r.RemoteAddr)
	})
}

func (h *Hub) queueSize(role state.Role) int {
	switch role {
	case state.WebOperator:
		return h.operatorQueue
	case state.DetectionModel:
		// One slot: a relayed frame that cannot be written yet is dropped.
		return 1
	default:
		return 4
	}
}

func (h *Hub) serveSession(role state.Role, conn *websocket.Conn, remote string) {
	s := newSession(state.SessionID(uuid.NewString()), role, conn, h.queueSize(role))

	superseded, err := h.state.Connect(role, s.id)
	if err != nil {
		monitoring.Logf("Failed to register %s session: %v", role, err)
		conn.Close()
		return
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	monitoring.Logf("A new %s connected from %s, session %s", role, remote, s.id)
	if superseded != "" {
		monitoring.Logf("%s session %s superseded by %s", role, superseded, s.id)
	}
	h.publishStatus()

	go s.writePump()

	switch role {
	case state.Camera:
		go h.startCamera(s)
	case state.WebOperator:
		st := h.state.Snapshot()
		h.sendUpdate(s, st)
	}

	h.readPump(s)

	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	s.close()

	if h.state.Disconnect(role, s.id) {
		monitoring.Logf("%s disconnected, session %s", role, s.id)
		h.publishStatus()
	} else {
		monitoring.Logf("Superseded %s session %s disconnected", role, s.id)
	}
}

func (h *Hub) startCamera(s *session) {
	t := time.NewTimer(h.cameraStartDelay)
	defer t.Stop()

	select {
	case <-s.done:
		return
	case <-t.C:
	}
	msg, err := textEvent(EventStart, nil)
	if err != nil {
		return
	}
	if s.enqueue(msg) {
		monitoring.Logf("Sent start to camera session %s", s.id)
	}
}

func (h *Hub) readPump(s *session) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				monitoring.Logf("%s session %s read error: %v", s.role, s.id, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(s, messageType, data)
	}
}

func (h *Hub) handleMessage(s *session, messageType int, data []byte) {
	switch s.role {
	case state.Camera:
		if messageType == websocket.BinaryMessage {
			h.relayToDetection(data)
			return
		}
		monitoring.Logf("Ignoring text message from camera session %s", s.id)

	case state.DetectionModel:
		d, err := decodeResult(messageType, data)
		if err != nil {
			monitoring.Logf("Failed to process detection result from %s: %v", s.id, err)
			return
		}
		h.PublishDetection(d)

	case state.FieldController:
		monitoring.Logf("Field controller %s sent %d bytes", s.id, len(data))

	case state.WebOperator:
		var env envelope
		if messageType != websocket.TextMessage || json.Unmarshal(data, &env) != nil {
			monitoring.Logf("Ignoring malformed message from operator %s", s.id)
			return
		}
		switch env.Event {
		case EventControlCommand, EventSetCarCount, EventSetSpeed:
			monitoring.Logf("Operator %s sent %s %s", s.id, env.Event, string(env.Data))
		default:
			monitoring.Logf("Operator %s sent unknown event %q", s.id, env.Event)
		}
	}
}

// decodeResult accepts a JSON detection_result event or a msgpack binaryResult.
func decodeResult(messageType int, data []byte) (state.Detection, error) {
	if messageType == websocket.BinaryMessage {
		var br binaryResult
		if err := msgpack.Unmarshal(data, &br); err != nil {
			return state.Detection{}, fmt.Errorf("decode msgpack result: %w", err)
		}
		if br.CarCount < 0 {
			return state.Detection{}, fmt.Errorf("car_count must be non-negative, got %d", br.CarCount)
		}
		return state.Detection{CarCount: br.CarCount, HasAmbulance: br.HasAmbulance, Frame: br.Frame}, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return state.Detection{}, fmt.Errorf("decode event: %w", err)
	}
	if env.Event != EventDetectionResult {
		return state.Detection{}, fmt.Errorf("unexpected event %q", env.Event)
	}
	var msg dispatch.ResultMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return state.Detection{}, fmt.Errorf("decode %s: %w", EventDetectionResult, err)
	}
	return msg.Detection()
}

// relayToDetection hands a camera frame to the current detection-model
// session, at most once and only if its outbox is free.
func (h *Hub) relayToDetection(frame []byte) {
	id, ok := h.state.Current(state.DetectionModel)
	if !ok {
		return
	}
	if s := h.session(id); s != nil {
		s.enqueue(binaryFrame(frame))
	}
}

// PublishDetection applies d to shared state, broadcasts its frame and the
// resulting status to every web operator, and publishes the status.
func (h *Hub) PublishDetection(d state.Detection) {
	h.state.ApplyDetection(d)
	if len(d.Frame) > 0 {
		h.BroadcastFrame(d.Frame)
	}
	st := h.state.Snapshot()
	h.BroadcastStatus(st)
	if h.publisher != nil {
		h.publisher.PublishStatus(st)
	}
}

// BroadcastFrame sends frame to every web-operator session without blocking.
func (h *Hub) BroadcastFrame(frame []byte) {
	msg := binaryFrame(frame)
	for _, s := range h.operators() {
		s.enqueue(msg)
	}
	if h.stream != nil {
		h.streamMu.Lock()
		h.stream.UpdateJPEG(frame)
		h.streamMu.Unlock()
	}
}

// BroadcastStatus sends a detection_update to every web-operator session.
func (h *Hub) BroadcastStatus(st state.Status) {
	msg, err := textEvent(EventDetectionUpdate, DetectionUpdate{CarCount: st.CarCount, HasAmbulance: st.HasAmbulance})
	if err != nil {
		monitoring.Logf("Failed to encode %s: %v", EventDetectionUpdate, err)
		return
	}
	for _, s := range h.operators() {
		s.enqueue(msg)
	}
}

func (h *Hub) sendUpdate(s *session, st state.Status) {
	msg, err := textEvent(EventDetectionUpdate, DetectionUpdate{CarCount: st.CarCount, HasAmbulance: st.HasAmbulance})
	if err != nil {
		return
	}
	s.enqueue(msg)
}

func (h *Hub) operators() []*session {
	ids := h.state.Sessions(state.WebOperator)

	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) session(id state.SessionID) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

func (h *Hub) publishStatus() {
	if h.publisher != nil {
		h.publisher.PublishStatus(h.state.Snapshot())
	}
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, h.state.Snapshot())
}
