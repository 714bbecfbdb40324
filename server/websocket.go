package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnosh/nutrecovery/jobs"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsReadLimit    = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleRecoveryWS streams the state of a job: its current state
// on connect and then every update until it finishes.
func (s *Server) handleRecoveryWS(rw http.ResponseWriter, req *http.Request) {
	jobId := mux.Vars(req)["jobId"]
	subscriber, job, err := s.jobs.Subscribe(jobId)
	if err != nil {
		s.writeError(rw, req, err)
		return
	}
	defer s.jobs.Unsubscribe(subscriber, jobId)

	conn, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		s.logger.Error("could not upgrade to websocket connection", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	logger := s.logger.With(slog.String("jobId", jobId))
	logger.Debug("websocket connection established")

	// clients are not expected to send anything. Reading
	// handles pongs and detects closed connections
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(wsReadLimit)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("websocket closed unexpectedly", slog.String("error", err.Error()))
				}
				return
			}
		}
	}()

	initial, err := json.Marshal(job)
	if err != nil {
		logger.Error("could not marshal job", slog.String("error", err.Error()))
		return
	}
	if !s.writeWS(conn, initial, logger) || job.Status.Terminal() {
		closeWS(conn)
		return
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-subscriber.GetMessages():
			if !ok {
				closeWS(conn)
				return
			}
			if !s.writeWS(conn, msg.Payload(), logger) {
				return
			}
			var update jobs.Job
			if err := json.Unmarshal(msg.Payload(), &update); err == nil && update.Status.Terminal() {
				closeWS(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				logger.Debug("could not write ping message", slog.String("error", err.Error()))
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, msg []byte, logger *slog.Logger) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		logger.Debug("could not write message on websocket connection", slog.String("error", err.Error()))
		return false
	}
	return true
}

func closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
