package service

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const watchBuffer = 256

// watch streams engine output as WatchMessages until the client goes away or the engine is closed.
// The bot query parameter picks the bot; it may be omitted when only one is served.
func (s *Server) watch(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := r.URL.Query().Get("bot")
	if name == "" && len(s.bots) == 1 {
		name = s.botNames()[0]
	}
	e, ok := s.bots[name]
	if !ok {
		http.Error(w, fmt.Sprintf("no such bot %q", name), http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("watch WebSocket accept error: %s", err)
		return
	}
	s.log.Debugw("watcher connected", "Bot", name)

	lines, unsubscribe := e.bot.Subscribe(watchBuffer)
	defer unsubscribe()

	// we never expect messages from the watcher; this notices when it leaves
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.log.Debugw("watcher left", "Bot", name)
			return
		case line, ok := <-lines:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "engine closed")
				return
			}
			err := wsjson.Write(ctx, conn, WatchMessage{Bot: name, Line: line})
			if err != nil {
				s.log.Debugf("watch write error: %s", err)
				return
			}
		}
	}
}
