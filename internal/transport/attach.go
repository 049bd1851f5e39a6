package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// handleAttach upgrades the control-API connection to a websocket and
// streams guest output to it, feeding any inbound message back to the
// guest as stdin. This is the server half of `rvhostctl attach`.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if s.term == nil {
		writeError(w, http.StatusServiceUnavailable, "attach not available for this machine")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	out, unsubscribe := s.term.Subscribe()
	defer unsubscribe()

	readErrCh := make(chan error, 1)
	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				readErrCh <- err
				return
			}
			if typ == websocket.MessageText {
				if cols, rows, ok := parseResize(string(data)); ok {
					s.sup.Resize(cols, rows)
				}
				continue
			}
			s.term.Feed(data)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case err := <-readErrCh:
			_ = err
			return
		case chunk, ok := <-out:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "worker exited")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageBinary, chunk)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// parseResize decodes a "resize:COLSxROWS" text control message.
func parseResize(msg string) (cols, rows int32, ok bool) {
	rest, found := strings.CutPrefix(msg, "resize:")
	if !found {
		return 0, 0, false
	}
	c, r, found := strings.Cut(rest, "x")
	if !found {
		return 0, 0, false
	}
	ci, err := strconv.Atoi(c)
	if err != nil {
		return 0, 0, false
	}
	ri, err := strconv.Atoi(r)
	if err != nil {
		return 0, 0, false
	}
	return int32(ci), int32(ri), true
}
