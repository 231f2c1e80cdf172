package transport

import (
	"io"
	"net/http"
	"time"

	"github.com/classpulse/chatspace/globals"
	"github.com/classpulse/chatspace/protocol"
	"github.com/classpulse/chatspace/session"
)

// pollProxy only wakes a blocked GET; the session queue carries the
// actual frames.
type pollProxy struct {
	wake chan struct{}
}

func newPollProxy() *pollProxy {
	return &pollProxy{wake: make(chan struct{}, 1)}
}

func (p *pollProxy) PutClientMsg(frame []byte) {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pollProxy) PutServerMsg(pkt *protocol.Packet) {}

// servePolling dispatches one XHR request. Unconfirmed sessions treat
// a GET or a POST-with-body as the handshake; a confirmed session
// receiving an unexpected empty POST re-handshakes, which covers
// transport failover after a crash.
func (t *Server) servePolling(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	writeCORS(w, r)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return

	case http.MethodGet:
		if !sess.ConnectionConfirmed() {
			t.pollingHandshake(w, sess)
			return
		}
		t.pollingGet(w, r, sess)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "could not read body", http.StatusBadRequest)
			return
		}
		if !sess.ConnectionConfirmed() {
			if len(body) == 0 {
				http.Error(w, "empty handshake", http.StatusBadRequest)
				return
			}
			t.applyBody(sess, body)
			t.pollingHandshake(w, sess)
			return
		}
		if len(body) == 0 {
			t.pollingHandshake(w, sess)
			return
		}
		t.pollingPost(w, sess, body)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (t *Server) pollingHandshake(w http.ResponseWriter, sess *session.Session) {
	if err := t.sessions.ConfirmConnection(sess); err != nil {
		globals.AppLogger.Error("could not confirm connection", "session", sess.ID, "error", err)
	}
	w.Write(protocol.MakeConnect())
}

// pollingGet blocks briefly for outbound frames and batches whatever
// is queued into a single response; an empty wait yields a noop.
func (t *Server) pollingGet(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	frames := drainFrames(sess)
	if len(frames) == 0 {
		if sess.ClientQueue.Closed() {
			w.Write(protocol.MakeDisconnect())
			return
		}
		proxy := newPollProxy()
		t.sessions.RegisterProxy(sess.ID, proxy)
		select {
		case <-proxy.wake:
		case <-time.After(t.sessions.PollTimeout()):
		case <-r.Context().Done():
		}
		t.sessions.UnregisterProxy(sess.ID, proxy)
		frames = drainFrames(sess)
	}
	if len(frames) == 0 {
		if sess.ClientQueue.Closed() {
			w.Write(protocol.MakeDisconnect())
			return
		}
		w.Write(protocol.MakeNoop())
		return
	}
	w.Write(protocol.EncodeMulti(frames))
}

// pollingPost decodes a possibly-batched request body and applies
// each frame. A decode failure unconfirms the connection so the next
// request re-establishes handshake state.
func (t *Server) pollingPost(w http.ResponseWriter, sess *session.Session, body []byte) {
	pkts, err := protocol.DecodeMulti(body)
	if err != nil {
		globals.AppLogger.Warn("malformed polling body", "session", sess.ID, "error", err)
		if uerr := t.sessions.UnconfirmConnection(sess); uerr != nil {
			globals.AppLogger.Error("could not unconfirm connection", "session", sess.ID, "error", uerr)
		}
		http.Error(w, "malformed frame", http.StatusBadRequest)
		return
	}
	t.applyPackets(sess, pkts)
	w.Write([]byte("1"))
}

// applyBody decodes and applies frames, quietly skipping malformed
// content (used on the handshake POST, where the handshake reply must
// still go out).
func (t *Server) applyBody(sess *session.Session, body []byte) {
	pkts, err := protocol.DecodeMulti(body)
	if err != nil {
		globals.AppLogger.Warn("malformed handshake body", "session", sess.ID, "error", err)
		return
	}
	t.applyPackets(sess, pkts)
}

func (t *Server) applyPackets(sess *session.Session, pkts []*protocol.Packet) {
	for _, pkt := range pkts {
		pkt := pkt
		err := session.RunRetryable(func() error {
			return t.applyPacket(sess, pkt)
		})
		if err != nil {
			globals.AppLogger.Error("could not apply frame", "session", sess.ID, "error", err)
		}
	}
}

func drainFrames(sess *session.Session) [][]byte {
	items := sess.ClientQueue.DrainAll()
	frames := make([][]byte, 0, len(items))
	for _, v := range items {
		if frame, ok := v.([]byte); ok && frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames
}
