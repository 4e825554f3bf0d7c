package service

import (
	"context"

	"github.com/guseggert/gtpbot/engine"
	"github.com/guseggert/gtpbot/gtp"
)

// Bot is what the server drives. *engine.Session implements it.
type Bot interface {
	SelectMove(ctx context.Context, history []string, cfg engine.Config) (gtp.Move, error)
	Score(ctx context.Context, history []string, cfg engine.Config) ([]string, error)
	Diagnostics() engine.Diagnostics
	Health() engine.Health
	Subscribe(buf int) (<-chan string, func())
}

const (
	MinBoardSize     = 2
	DefaultBoardSize = 19
)

// MoveRequest is the body of both /select-move and /score.
type MoveRequest struct {
	BoardSize int           `json:"board_size"`
	Moves     []string      `json:"moves"`
	Config    engine.Config `json:"config"`
}

type MoveResponse struct {
	// BotMove is nil when the engine gave no usable move.
	BotMove     *gtp.Move          `json:"bot_move"`
	Diagnostics engine.Diagnostics `json:"diagnostics"`
	RequestID   string             `json:"request_id"`
}

type ScoreResponse struct {
	// Probs is nil when the engine gave no ownership estimate.
	Probs       []string           `json:"probs"`
	Diagnostics engine.Diagnostics `json:"diagnostics"`
	RequestID   string             `json:"request_id"`
}

type HeartbeatResponse struct {
	Bots map[string]engine.Health `json:"bots"`
}

// WatchMessage is one engine output line on the /watch WebSocket.
type WatchMessage struct {
	Bot  string `json:"bot"`
	Line string `json:"line"`
}
