package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/gtpbot/config"
	"github.com/guseggert/gtpbot/engine"
	"github.com/guseggert/gtpbot/engine/docker"
	"github.com/guseggert/gtpbot/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "gtpbot",
		Usage: "serve a GTP engine such as KataGo as an HTTP bot",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log at debug level.",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			moveCommand,
			scoreCommand,
			watchCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the engines and the HTTP server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Config file (TOML or YAML). Defaults to the nearest gtpbot.toml, gtpbot.yaml or gtpbot.yml.",
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on. Overrides the config.",
		},
		&cli.StringFlag{
			Name:  "engine",
			Usage: "Engine command line for a single bot, used when there is no config file.",
		},
		&cli.StringFlag{
			Name:  "bot",
			Usage: "Name of the bot started with --engine.",
			Value: "katago",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		logger, err := newLogger(cctx.Bool("verbose") || cfg.Verbose)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()
		return serve(cctx.Context, logger, cfg)
	},
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	path := cctx.String("config")
	if path == "" && cctx.String("engine") == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return nil, err
		}
	}

	var cfg *config.Config
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.Default()
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
	}
	if e := cctx.String("engine"); e != "" {
		cfg.Bots[cctx.String("bot")] = &config.Bot{Command: e}
		cfg.ApplyDefaults()
	}
	if a := cctx.String("listen-addr"); a != "" {
		cfg.Listen = a
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// startBot launches one configured engine.
func startBot(logger *zap.Logger, name string, b *config.Bot) (*engine.Session, error) {
	argv, err := b.Argv(nil)
	if err != nil {
		return nil, fmt.Errorf("bot %q: %w", name, err)
	}
	botLogger := logger.With(zap.String("Bot", name))
	launcher, err := newLauncher(botLogger, b, argv)
	if err != nil {
		return nil, fmt.Errorf("bot %q: %w", name, err)
	}

	s, err := engine.New(launcher,
		engine.WithLogger(botLogger),
		engine.WithResponseTimeout(b.ResponseTimeout.Duration),
		engine.WithRecoverySettleDelay(b.SettleDelay.Duration),
		engine.WithPassReplayLimit(*b.PassReplayLimit),
		engine.WithAnalyzeInterval(b.AnalyzeInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("bot %q: %w", name, err)
	}
	return s, nil
}

func newLauncher(logger *zap.Logger, b *config.Bot, argv []string) (engine.Launcher, error) {
	if b.Image == "" {
		l := engine.NewExecLauncher(argv, logger.Sugar())
		l.Dir = b.Dir
		return l, nil
	}
	l, err := docker.NewLauncher(b.Image, argv)
	if err != nil {
		return nil, err
	}
	l = l.WithLogger(logger.Sugar()).WithBinds(b.Binds...)
	if b.Platform != "" {
		p, err := docker.ParsePlatform(b.Platform)
		if err != nil {
			return nil, err
		}
		l = l.WithPlatform(p)
	}
	return l, nil
}

func serve(ctx context.Context, logger *zap.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sessions []*engine.Session
	defer func() {
		for _, s := range sessions {
			if err := s.Close(); err != nil {
				logger.Sugar().Debugw("closing engine", "Error", err)
			}
		}
	}()

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithListenAddr(cfg.Listen),
		service.WithCacheTTL(cfg.CacheTTL.Duration),
		service.WithStaticDir(cfg.StaticDir),
	}
	for _, name := range cfg.BotNames() {
		s, err := startBot(logger, name, cfg.Bots[name])
		if err != nil {
			return err
		}
		sessions = append(sessions, s)
		opts = append(opts, service.WithBot(name, s))
	}

	server, err := service.NewServer(opts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(server.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return server.Stop()
	})
	return group.Wait()
}

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "server",
		Usage: "Base URL of a running gtpbot server.",
		Value: "http://" + config.DefaultListen,
	},
	&cli.StringFlag{
		Name:  "bot",
		Usage: "Bot name.",
		Value: "katago",
	},
}

var requestFlags = append([]cli.Flag{
	&cli.IntFlag{
		Name:  "board-size",
		Value: service.DefaultBoardSize,
	},
	&cli.Float64Flag{
		Name:  "komi",
		Value: engine.DefaultKomi,
	},
	&cli.BoolFlag{
		Name:  "replay-history",
		Usage: "Have score set up the board from the moves first.",
	},
}, clientFlags...)

func newClient(cctx *cli.Context) (*service.Client, error) {
	logger, err := newLogger(cctx.Bool("verbose"))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return service.NewClient(cctx.String("server"), service.WithClientLogger(logger))
}

func moveRequest(cctx *cli.Context) service.MoveRequest {
	return service.MoveRequest{
		BoardSize: cctx.Int("board-size"),
		Moves:     cctx.Args().Slice(),
		Config: engine.Config{
			"komi":           cctx.Float64("komi"),
			"replay_history": cctx.Bool("replay-history"),
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var moveCommand = &cli.Command{
	Name:      "move",
	Usage:     "ask a server for the next move",
	ArgsUsage: "[moves...]",
	Flags:     requestFlags,
	Action: func(cctx *cli.Context) error {
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		resp, err := client.SelectMove(cctx.Context, cctx.String("bot"), moveRequest(cctx))
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var scoreCommand = &cli.Command{
	Name:      "score",
	Usage:     "ask a server for point ownership",
	ArgsUsage: "[moves...]",
	Flags:     requestFlags,
	Action: func(cctx *cli.Context) error {
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		resp, err := client.Score(cctx.Context, cctx.String("bot"), moveRequest(cctx))
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "print a bot's engine output as it happens",
	Flags: clientFlags,
	Action: func(cctx *cli.Context) error {
		client, err := newClient(cctx)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = client.Watch(ctx, cctx.String("bot"), func(line string) {
			fmt.Println(line)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
