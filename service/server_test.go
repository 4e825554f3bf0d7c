package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/gtpbot/engine"
	"github.com/guseggert/gtpbot/gtp"
	inet "github.com/guseggert/gtpbot/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLogger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	testLogger = l
}

type fakeBot struct {
	mu       sync.Mutex
	moves    int
	scores   int
	history  []string
	cfg      engine.Config
	move     gtp.Move
	moveErr  error
	probs    []string
	scoreErr error
	winProb  float64
	lines    chan string
}

func newFakeBot() *fakeBot {
	return &fakeBot{
		move:    gtp.Play(gtp.Point{Row: 3, Col: 3}),
		probs:   []string{"0.1", "-0.2"},
		winProb: 0.4437,
		lines:   make(chan string, 16),
	}
}

func (b *fakeBot) SelectMove(ctx context.Context, history []string, cfg engine.Config) (gtp.Move, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moves++
	b.history = history
	b.cfg = cfg
	return b.move, b.moveErr
}

func (b *fakeBot) Score(ctx context.Context, history []string, cfg engine.Config) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scores++
	b.history = history
	b.cfg = cfg
	if b.scoreErr != nil {
		return nil, b.scoreErr
	}
	return b.probs, nil
}

func (b *fakeBot) Diagnostics() engine.Diagnostics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return engine.Diagnostics{WinProb: b.winProb}
}

func (b *fakeBot) Health() engine.Health {
	return engine.Health{Running: true, Pid: 42, Generation: 1}
}

func (b *fakeBot) Subscribe(buf int) (<-chan string, func()) {
	return b.lines, func() {}
}

func (b *fakeBot) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moves, b.scores
}

func newTestServer(t *testing.T, bot Bot, opts ...Option) (*Server, *httptest.Server) {
	opts = append([]Option{WithLogger(testLogger), WithBot("katago", bot)}, opts...)
	s, err := NewServer(opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return s, ts
}

func post(t *testing.T, url, body string) (int, string) {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, readAll(t, resp)
}

func readAll(t *testing.T, resp *http.Response) string {
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestSelectMoveHandler(t *testing.T) {
	bot := newFakeBot()
	_, ts := newTestServer(t, bot)

	code, body := post(t, ts.URL+"/select-move/katago", `{"board_size":19,"moves":["b A1","pass"],"config":{"komi":6.5,"request_id":"r1"}}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"bot_move":"C3","diagnostics":{"winprob":0.4437},"request_id":"r1"}`, body)

	bot.mu.Lock()
	defer bot.mu.Unlock()
	assert.Equal(t, []string{"b A1", "pass"}, bot.history)
	assert.Equal(t, 6.5, bot.cfg.Komi())
}

func TestSelectMoveHandlerNoMove(t *testing.T) {
	for _, err := range []error{engine.ErrNoMove, engine.ErrNoResponse} {
		t.Run(err.Error(), func(t *testing.T) {
			bot := newFakeBot()
			bot.moveErr = fmt.Errorf("wrapped: %w", err)
			bot.winProb = engine.UnknownWinProb
			_, ts := newTestServer(t, bot)

			code, body := post(t, ts.URL+"/select-move/katago", `{"moves":[]}`)
			require.Equal(t, http.StatusOK, code)
			assert.JSONEq(t, `{"bot_move":null,"diagnostics":{"winprob":-1},"request_id":""}`, body)

			// failures are not cached
			post(t, ts.URL+"/select-move/katago", `{"moves":[]}`)
			moves, _ := bot.counts()
			assert.Equal(t, 2, moves)
		})
	}
}

func TestSelectMoveHandlerClosed(t *testing.T) {
	bot := newFakeBot()
	bot.moveErr = engine.ErrClosed
	_, ts := newTestServer(t, bot)

	code, _ := post(t, ts.URL+"/select-move/katago", `{"moves":[]}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestBadRequests(t *testing.T) {
	bot := newFakeBot()
	_, ts := newTestServer(t, bot)

	cases := []struct {
		name    string
		path    string
		body    string
		expCode int
	}{
		{name: "bad json", path: "/select-move/katago", body: `{"moves":`, expCode: http.StatusBadRequest},
		{name: "board too small", path: "/select-move/katago", body: `{"board_size":1}`, expCode: http.StatusBadRequest},
		{name: "board too big", path: "/score/katago", body: `{"board_size":26}`, expCode: http.StatusBadRequest},
		{name: "negative board", path: "/score/katago", body: `{"board_size":-9}`, expCode: http.StatusBadRequest},
		{name: "unknown bot", path: "/select-move/gnugo", body: `{}`, expCode: http.StatusNotFound},
		{name: "largest board", path: "/score/katago", body: `{"board_size":25}`, expCode: http.StatusOK},
		{name: "smallest board", path: "/select-move/katago", body: `{"board_size":2}`, expCode: http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code, _ := post(t, ts.URL+c.path, c.body)
			assert.Equal(t, c.expCode, code)
		})
	}
}

func TestCache(t *testing.T) {
	bot := newFakeBot()
	_, ts := newTestServer(t, bot)

	req := `{"board_size":9,"moves":["E5"]}`
	_, first := post(t, ts.URL+"/select-move/katago", req)
	_, second := post(t, ts.URL+"/select-move/katago", req)
	assert.Equal(t, first, second)
	moves, _ := bot.counts()
	assert.Equal(t, 1, moves)

	// same body on another path is a different request
	post(t, ts.URL+"/score/katago", req)
	post(t, ts.URL+"/select-move/katago", `{"board_size":9,"moves":["E5","C3"]}`)
	moves, scores := bot.counts()
	assert.Equal(t, 2, moves)
	assert.Equal(t, 1, scores)
}

func TestCacheDisabled(t *testing.T) {
	bot := newFakeBot()
	_, ts := newTestServer(t, bot, WithCacheTTL(0))

	post(t, ts.URL+"/select-move/katago", `{}`)
	post(t, ts.URL+"/select-move/katago", `{}`)
	moves, _ := bot.counts()
	assert.Equal(t, 2, moves)
}

func TestScoreHandler(t *testing.T) {
	bot := newFakeBot()
	_, ts := newTestServer(t, bot)

	code, body := post(t, ts.URL+"/score/katago", `{"moves":["D4"],"config":{"request_id":7}}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"probs":["0.1","-0.2"],"diagnostics":{"winprob":0.4437},"request_id":"7"}`, body)

	bot.mu.Lock()
	bot.scoreErr = engine.ErrNoOwnership
	bot.mu.Unlock()
	code, body = post(t, ts.URL+"/score/katago", `{"moves":["D4","Q16"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"probs":null,"diagnostics":{"winprob":0.4437},"request_id":""}`, body)
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>go</html>"), 0o644))
	_, ts := newTestServer(t, newFakeBot(), WithStaticDir(dir))

	resp, err := http.Get(ts.URL + "/static/index.html")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>go</html>", readAll(t, resp))
}

func TestNoBots(t *testing.T) {
	_, err := NewServer(WithLogger(testLogger))
	require.Error(t, err)
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	bot := newFakeBot()

	listenAddr, err := inet.EphemeralAddr("127.0.0.1")
	require.NoError(t, err)
	s, err := NewServer(
		WithLogger(testLogger),
		WithBot("katago", bot),
		WithListenAddr(listenAddr),
	)
	require.NoError(t, err)
	go s.Run()
	defer func() {
		require.NoError(t, s.Stop())
	}()

	addr, err := s.Addr(ctx)
	require.NoError(t, err)
	assert.Equal(t, listenAddr, addr)

	client, err := NewClient("http://"+addr, WithClientLogger(testLogger))
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(ctx))

	hb, err := client.SendHeartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, hb.Bots["katago"].Pid)

	moveResp, err := client.SelectMove(ctx, "katago", MoveRequest{BoardSize: 19, Moves: []string{"D4"}})
	require.NoError(t, err)
	require.NotNil(t, moveResp.BotMove)
	assert.Equal(t, "C3", moveResp.BotMove.String())
	assert.InDelta(t, 0.4437, moveResp.Diagnostics.WinProb, 1e-9)

	scoreResp, err := client.Score(ctx, "katago", MoveRequest{BoardSize: 19})
	require.NoError(t, err)
	assert.Equal(t, []string{"0.1", "-0.2"}, scoreResp.Probs)

	_, err = client.SelectMove(ctx, "katago", MoveRequest{BoardSize: 30})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
}

func TestClientServerDown(t *testing.T) {
	port, err := inet.GetEphemeralTCPPort("127.0.0.1")
	require.NoError(t, err)
	client, err := NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	_, err = client.SendHeartbeat(context.Background())
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, client.WaitForServer(ctx), context.DeadlineExceeded)

	_, err = NewClient("ftp://example.com")
	require.Error(t, err)
}

func TestWatch(t *testing.T) {
	bot := newFakeBot()
	_, ts := newTestServer(t, bot)

	client, err := NewClient(ts.URL, WithClientLogger(testLogger))
	require.NoError(t, err)

	bot.lines <- "= C3"
	bot.lines <- "@@ searching"
	close(bot.lines)

	var got []string
	err = client.Watch(context.Background(), "", func(line string) {
		got = append(got, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"= C3", "@@ searching"}, got)
}

func TestWatchUnknownBot(t *testing.T) {
	_, ts := newTestServer(t, newFakeBot())
	client, err := NewClient(ts.URL)
	require.NoError(t, err)

	err = client.Watch(context.Background(), "gnugo", func(string) {})
	require.Error(t, err)
}
