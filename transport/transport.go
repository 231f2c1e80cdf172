// Package transport serves the wire protocol over two strategies: XHR
// long-polling and websocket streaming. Both speak the same framing
// and drive the same session directory.
package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/classpulse/chatspace/globals"
	"github.com/classpulse/chatspace/protocol"
	"github.com/classpulse/chatspace/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	ownerHeader = "X-Chatspace-User"
)

// Server routes handshake and transport requests.
type Server struct {
	sessions *session.Service
	upgrader websocket.Upgrader
}

func NewServer(sessions *session.Service) *Server {
	return &Server{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (t *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/socket.io/1/", t.Handshake).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	r.HandleFunc("/socket.io/1/{transport}/{session_id}", t.Connect)
}

// writeCORS adds the cross-origin headers whenever the request
// carries an Origin.
func writeCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	h.Set("Access-Control-Max-Age", "3600")
}

func ownerFromRequest(r *http.Request) string {
	if owner := r.Header.Get(ownerHeader); owner != "" {
		return owner
	}
	return r.URL.Query().Get("user")
}

// Handshake creates a session and hands the client its id plus the
// heartbeat/close timings and the available transports.
func (t *Server) Handshake(w http.ResponseWriter, r *http.Request) {
	writeCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	sess, err := t.sessions.CreateSession(ownerFromRequest(r))
	if err != nil {
		globals.AppLogger.Error("could not create session", "error", err)
		http.Error(w, "could not create session", http.StatusInternalServerError)
		return
	}
	heartbeat := int(t.sessions.HeartbeatInterval() / time.Second)
	closeTimeout := heartbeat * 2
	fmt.Fprintf(w, "%s:%d:%d:websocket,xhr-polling", sess.ID, heartbeat, closeTimeout)
}

// Connect attaches a transport to an existing session.
func (t *Server) Connect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := t.sessions.GetSession(vars["session_id"])
	if err != nil {
		writeCORS(w, r)
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	switch vars["transport"] {
	case "websocket":
		t.serveWebsocket(w, r, sess)

	case "xhr-polling":
		t.servePolling(w, r, sess)

	default:
		writeCORS(w, r)
		http.Error(w, "unknown transport", http.StatusBadRequest)
	}
}

// applyPacket feeds one decoded inbound frame into the session.
func (t *Server) applyPacket(sess *session.Session, pkt *protocol.Packet) error {
	switch pkt.Type {
	case protocol.FrameHeartbeat:
		return t.sessions.Heartbeat(sess)

	case protocol.FrameDisconnect:
		t.sessions.KillSession(sess)
		return nil

	case protocol.FrameConnect, protocol.FrameNoop:
		return nil
	}
	return t.sessions.PutServerPacket(sess.ID, pkt)
}
