// Package service serves bots over HTTP and provides a client for that API.
//
// Routes:
//
//	POST /select-move/:bot   MoveRequest -> MoveResponse
//	POST /score/:bot         MoveRequest -> ScoreResponse
//	GET  /heartbeat          HeartbeatResponse
//	GET  /watch?bot=name     WebSocket of WatchMessage
//	GET  /static/*filepath   files from the static dir, if configured
//
// A bot that fails to produce a move or ownership estimate is answered with a null
// bot_move or probs and status 200. Identical requests are answered from a cache.
package service
