package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/faceenroll/internal/logging"
	"github.com/ayusman/faceenroll/internal/server/api"
)

const (
	wsReadLimit    = 16 << 20
	wsWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// socketReply wraps one verdict sent back over the socket.
type socketReply struct {
	Status int         `json:"status"`
	Result interface{} `json:"result"`
}

// EnrollSocket accepts a stream of frames over one WebSocket connection.
// Each text message is a JSON api.FaceRequest; each gets exactly one reply.
// The session id of the first accepted request is reused for later frames
// that omit name, surname and session_id.
type EnrollSocket struct {
	face *api.FaceHandler
	log  logrus.FieldLogger
}

// NewEnrollSocket creates an EnrollSocket backed by face.
func NewEnrollSocket(face *api.FaceHandler, log logrus.FieldLogger) *EnrollSocket {
	return &EnrollSocket{face: face, log: logging.OrDiscard(log)}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *EnrollSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), h.log)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	var sessionID string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("websocket closed")
			}
			return
		}

		var req api.FaceRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if !h.reply(conn, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()}) {
				return
			}
			continue
		}

		if req.SessionID == "" && req.Name == "" && req.Surname == "" {
			req.SessionID = sessionID
		}

		status, body := h.face.Process(r.Context(), req)
		if resp, ok := body.(api.FaceResponse); ok {
			sessionID = resp.SessionID
		}

		if !h.reply(conn, status, body) {
			return
		}
	}
}

func (h *EnrollSocket) reply(conn *websocket.Conn, status int, body interface{}) bool {
	msg, err := json.Marshal(socketReply{Status: status, Result: body})
	if err != nil {
		h.log.WithError(err).Error("encode websocket reply")
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		h.log.WithError(err).Debug("websocket write failed")
		return false
	}
	return true
}
