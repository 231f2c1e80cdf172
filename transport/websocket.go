package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classpulse/chatspace/globals"
	"github.com/classpulse/chatspace/protocol"
	"github.com/classpulse/chatspace/session"
)

// wsProxy wakes the sender task; the session queue carries the actual
// frames, so a burst can never outrun the proxy. The end sentinel
// closes dead so it cannot be missed.
type wsProxy struct {
	wake chan struct{}
	dead chan struct{}
	once sync.Once
}

func newWSProxy() *wsProxy {
	return &wsProxy{
		wake: make(chan struct{}, 1),
		dead: make(chan struct{}),
	}
}

func (p *wsProxy) PutClientMsg(frame []byte) {
	if frame == nil {
		p.once.Do(func() { close(p.dead) })
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *wsProxy) PutServerMsg(pkt *protocol.Packet) {}

// serveWebsocket upgrades the connection and runs the three
// per-connection tasks: drain-and-forward, read-and-apply and
// heartbeat. A single done channel cancels all of them.
func (t *Server) serveWebsocket(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("could not upgrade", "session", sess.ID, "error", err)
		return
	}
	if err := t.sessions.ConfirmConnection(sess); err != nil {
		globals.AppLogger.Error("could not confirm connection", "session", sess.ID, "error", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, protocol.MakeConnect()); err != nil {
		globals.AppLogger.Error("could not send connect frame", "session", sess.ID, "error", err)
		conn.Close()
		return
	}

	proxy := newWSProxy()
	t.sessions.RegisterProxy(sess.ID, proxy)

	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }
	go func() {
		// unblocks the reader when any task cancels
		<-done
		conn.Close()
	}()

	wg := sync.WaitGroup{}
	wg.Add(3)
	go func() {
		defer wg.Done()
		t.wsSender(conn, sess, proxy, done, cancel)
	}()
	go func() {
		defer wg.Done()
		t.wsReader(conn, sess, done, cancel)
	}()
	go func() {
		defer wg.Done()
		t.wsPinger(sess, done)
	}()
	wg.Wait()
	t.sessions.UnregisterProxy(sess.ID, proxy)
	globals.AppLogger.Debug("websocket closed", "session", sess.ID)
}

// wsSender drains the session queue on each wake and forwards the
// frames to the socket in order.
func (t *Server) wsSender(conn *websocket.Conn, sess *session.Session, proxy *wsProxy, done chan struct{}, cancel func()) {
	// backlog queued before the proxy attached
	if !t.writeFrames(conn, sess, drainFrames(sess), cancel) {
		return
	}
	for {
		select {
		case <-done:
			return

		case <-proxy.dead:
			t.writeFrames(conn, sess, drainFrames(sess), cancel)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.TextMessage, protocol.MakeDisconnect())
			cancel()
			return

		case <-proxy.wake:
			if !t.writeFrames(conn, sess, drainFrames(sess), cancel) {
				return
			}
		}
	}
}

func (t *Server) writeFrames(conn *websocket.Conn, sess *session.Session, frames [][]byte, cancel func()) bool {
	for _, frame := range frames {
		frame := frame
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := session.RunRetryable(func() error {
			return conn.WriteMessage(websocket.TextMessage, frame)
		})
		if err != nil {
			globals.AppLogger.Error("could not write frame", "session", sess.ID, "error", err)
			t.sessions.KillSession(sess)
			cancel()
			return false
		}
	}
	return true
}

// wsReader decodes inbound frames and applies them as server
// messages; a decode error or socket close kills the session.
func (t *Server) wsReader(conn *websocket.Conn, sess *session.Session, done chan struct{}, cancel func()) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// shutdown already in progress
			default:
				globals.AppLogger.Debug("websocket read failed", "session", sess.ID, "error", err)
				t.sessions.KillSession(sess)
			}
			cancel()
			return
		}
		pkts, err := protocol.DecodeMulti(data)
		if err != nil {
			globals.AppLogger.Warn("malformed websocket frame", "session", sess.ID, "error", err)
			t.sessions.KillSession(sess)
			cancel()
			return
		}
		t.applyPackets(sess, pkts)
	}
}

// wsPinger emits protocol heartbeats while the session is connected.
func (t *Server) wsPinger(sess *session.Session, done chan struct{}) {
	ticker := time.NewTicker(t.sessions.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return

		case <-ticker.C:
			if !sess.Connected() {
				return
			}
			if time.Since(time.Unix(sess.LastHeartbeat(), 0)) < t.sessions.HeartbeatTimeout()/2 {
				// the client heartbeated recently, no need to prompt it
				continue
			}
			// through the session queue so the sender owns all writes
			if err := t.sessions.PutClientMessage(sess.ID, protocol.MakeHeartbeat()); err != nil {
				globals.AppLogger.Debug("could not queue heartbeat", "session", sess.ID, "error", err)
			}
		}
	}
}
