package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/gtpbot/engine"
	"github.com/guseggert/gtpbot/gtp"
	"github.com/jellydator/ttlcache/v3"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const (
	DefaultCacheTTL   = 10 * time.Hour
	DefaultListenAddr = "127.0.0.1:2718"

	maxBodySize = 1 << 20
)

type botEntry struct {
	bot Bot
	// mut keeps a move and its diagnostics together when requests overlap.
	mut sync.Mutex
}

// Server exposes bots over HTTP.
type Server struct {
	log *zap.SugaredLogger

	listenAddr string
	staticDir  string
	cacheTTL   time.Duration

	bots  map[string]*botEntry
	cache *ttlcache.Cache[string, []byte]

	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}
	stopOnce   sync.Once
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("service").Sugar()
	}
}

// WithCacheTTL sets how long identical requests are answered from the cache. Zero disables the cache.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Server) {
		s.cacheTTL = d
	}
}

// WithStaticDir serves the files under dir at /static/.
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

func WithBot(name string, b Bot) Option {
	return func(s *Server) {
		s.bots[name] = &botEntry{bot: b}
	}
}

func NewServer(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:        logger.Named("service").Sugar(),
		listenAddr: DefaultListenAddr,
		cacheTTL:   DefaultCacheTTL,
		bots:       map[string]*botEntry{},
		ready:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if len(s.bots) == 0 {
		return nil, errors.New("server has no bots")
	}
	if s.cacheTTL > 0 {
		s.cache = ttlcache.New[string, []byte](
			ttlcache.WithTTL[string, []byte](s.cacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		)
		go s.cache.Start()
	}

	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.POST("/select-move/:bot", s.selectMove)
	router.POST("/score/:bot", s.score)
	router.GET("/watch", s.watch)
	if s.staticDir != "" {
		router.ServeFiles("/static/*filepath", http.Dir(s.staticDir))
	}
	s.httpServer = &http.Server{Handler: router}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.listener = l
	close(s.ready)
	s.log.Infow("listening", "Addr", l.Addr().String(), "Bots", s.botNames())

	err = s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listening address once Run has bound it.
func (s *Server) Addr(ctx context.Context) (string, error) {
	select {
	case <-s.ready:
		return s.listener.Addr().String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop closes the listener and any open connections. It does not close the bots.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.cache != nil {
			s.cache.Stop()
		}
		err = s.httpServer.Close()
	})
	return err
}

func (s *Server) botNames() []string {
	var names []string
	for n := range s.bots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp := HeartbeatResponse{Bots: map[string]engine.Health{}}
	for name, e := range s.bots {
		resp.Bots[name] = e.bot.Health()
	}
	s.writeJSON(w, resp)
}

// readRequest decodes and validates a move or score request. It returns the raw body for the cache key.
func (s *Server) readRequest(w http.ResponseWriter, r *http.Request) (MoveRequest, []byte, bool) {
	var req MoveRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return req, nil, false
	}
	if req.BoardSize == 0 {
		req.BoardSize = DefaultBoardSize
	}
	if req.BoardSize < MinBoardSize || req.BoardSize > gtp.MaxBoardSize {
		http.Error(w, fmt.Sprintf("board size %d out of range [%d, %d]", req.BoardSize, MinBoardSize, gtp.MaxBoardSize), http.StatusBadRequest)
		return req, nil, false
	}
	return req, body, true
}

func (s *Server) lookupBot(w http.ResponseWriter, params httprouter.Params) (*botEntry, bool) {
	name := params.ByName("bot")
	e, ok := s.bots[name]
	if !ok {
		http.Error(w, fmt.Sprintf("no such bot %q", name), http.StatusNotFound)
	}
	return e, ok
}

func cacheKey(path string, body []byte) string {
	sum := sha256.Sum256(body)
	return path + "#" + hex.EncodeToString(sum[:])
}

// fromCache writes a cached response for key, if there is one.
func (s *Server) fromCache(w http.ResponseWriter, log *zap.SugaredLogger, key string) bool {
	if s.cache == nil {
		return false
	}
	item := s.cache.Get(key)
	if item == nil {
		return false
	}
	log.Debug("answering from cache")
	s.writeRaw(w, item.Value())
	return true
}

// engineFailure writes a response for errors that are not a bad result. It reports whether it wrote one.
func engineFailure(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, engine.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrNoResponse), errors.Is(err, engine.ErrNoMove), errors.Is(err, engine.ErrNoOwnership):
		return false
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
	return true
}

func (s *Server) selectMove(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	e, ok := s.lookupBot(w, params)
	if !ok {
		return
	}
	req, body, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	log := s.log.With("LogID", uuid.New().String(), "Bot", params.ByName("bot"), "RequestID", req.Config.RequestID())
	key := cacheKey(r.URL.Path, body)
	if s.fromCache(w, log, key) {
		return
	}

	start := time.Now()
	e.mut.Lock()
	move, err := e.bot.SelectMove(r.Context(), req.Moves, req.Config)
	diag := e.bot.Diagnostics()
	e.mut.Unlock()

	resp := MoveResponse{Diagnostics: diag, RequestID: req.Config.RequestID()}
	moveText := "null"
	if err != nil {
		log.Warnw("select move failed", "Error", err, "Moves", len(req.Moves))
		if engineFailure(w, err) {
			return
		}
	} else {
		resp.BotMove = &move
		moveText = move.String()
	}
	log.Infow("selected move", "Move", moveText, "WinProb", diag.WinProb, "Elapsed", time.Since(start))
	s.respond(w, key, err == nil, resp)
}

func (s *Server) score(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	e, ok := s.lookupBot(w, params)
	if !ok {
		return
	}
	req, body, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	log := s.log.With("LogID", uuid.New().String(), "Bot", params.ByName("bot"), "RequestID", req.Config.RequestID())
	key := cacheKey(r.URL.Path, body)
	if s.fromCache(w, log, key) {
		return
	}

	start := time.Now()
	e.mut.Lock()
	probs, err := e.bot.Score(r.Context(), req.Moves, req.Config)
	diag := e.bot.Diagnostics()
	e.mut.Unlock()

	resp := ScoreResponse{Probs: probs, Diagnostics: diag, RequestID: req.Config.RequestID()}
	if err != nil {
		log.Warnw("score failed", "Error", err)
		if engineFailure(w, err) {
			return
		}
		resp.Probs = nil
	}
	log.Infow("scored", "Points", len(resp.Probs), "Elapsed", time.Since(start))
	s.respond(w, key, err == nil, resp)
}

// respond writes v, caching it under key if cache is set.
func (s *Server) respond(w http.ResponseWriter, key string, cache bool, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cache && s.cache != nil {
		s.cache.Set(key, b, ttlcache.DefaultTTL)
	}
	s.writeRaw(w, b)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeRaw(w, b)
}

func (s *Server) writeRaw(w http.ResponseWriter, b []byte) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		s.log.Debugf("error writing response: %s", err)
	}
}
