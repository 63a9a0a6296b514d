package main

import (
	"context"
	"embed"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-go-golems/geppetto/pkg/inference/engine/factory"
	geppettosections "github.com/go-go-golems/geppetto/pkg/sections"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/completion"
	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/persistence/transcript"
	"github.com/go-go-golems/chatrelay/pkg/provider"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

//go:embed static/*
var staticFS embed.FS

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = (*ServeCommand)(nil)

// NewServeCommand builds serve with the settings sections defaulting to cfg.
// The geppetto sections configure the engine of the geppetto provider.
func NewServeCommand(cfg config.Config) (*ServeCommand, error) {
	sections, err := config.Sections(cfg)
	if err != nil {
		return nil, err
	}
	geSections, err := geppettosections.CreateGeppettoSections()
	if err != nil {
		return nil, errors.Wrap(err, "create geppetto sections")
	}
	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Serve the websocket chat relay"),
		cmds.WithLong("Serve the chat page and the /ws/chat/{client_id} websocket, relaying messages to the configured completion provider."),
		cmds.WithSections(append(sections, geSections...)...),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsed *values.Values) error {
	cfg, err := config.FromValues(parsed)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p, err := buildProvider(cfg.Provider, parsed)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, p)
}

// buildProvider builds the geppetto engine from its own sections, and every
// other kind from the provider settings.
func buildProvider(s provider.Settings, parsed *values.Values) (provider.Provider, error) {
	if !strings.EqualFold(strings.TrimSpace(s.Kind), provider.KindGeppetto) {
		return provider.New(s)
	}
	eng, err := factory.NewEngineFromParsedValues(parsed)
	if err != nil {
		return nil, errors.Wrap(err, "build geppetto engine")
	}
	return provider.NewGeppetto(eng)
}

func serve(ctx context.Context, cfg config.Config, p provider.Provider) error {
	orchOpts := []completion.Option{
		completion.WithDefaultModel(cfg.Provider.DefaultModel),
		completion.WithHistoryLimit(cfg.Server.HistoryLimit),
	}
	if cfg.Server.HistoryMaxTokens > 0 {
		budget, err := completion.NewTokenBudget(cfg.Server.HistoryMaxTokens)
		if err != nil {
			return err
		}
		orchOpts = append(orchOpts, completion.WithTokenBudget(budget))
	}
	orch, err := completion.NewOrchestrator(p, orchOpts...)
	if err != nil {
		return err
	}

	var closers []func() error
	relayCfg := relay.Config{
		BaseCtx:      ctx,
		Orchestrator: orch,
		Conn: relay.ConnOptions{
			SendBuffer:   cfg.Server.SendBuffer,
			WriteTimeout: cfg.Server.WriteTimeout,
			PingInterval: cfg.Server.PingInterval,
		},
		DisconnectTimeout: cfg.Server.DisconnectTimeout,
	}

	pub, err := redisstream.BuildPublisher(cfg.Redis)
	if err != nil {
		return err
	}
	if pub != nil {
		prefix := cfg.Redis.StreamPrefix
		relayCfg.Publisher = pub
		relayCfg.TopicFor = func(clientID string) string { return redisstream.Topic(prefix, clientID) }
		closers = append(closers, pub.Close)
		log.Info().Str("addr", cfg.Redis.Addr).Str("prefix", prefix).Msg("mirroring events to redis streams")
	}

	if cfg.Transcripts.Enabled {
		dsn, err := cfg.Transcripts.ResolveDSN()
		if err != nil {
			closeAll(closers)
			return err
		}
		store, err := transcript.NewSQLiteStore(dsn)
		if err != nil {
			closeAll(closers)
			return err
		}
		relayCfg.Recorder = store.Record
		closers = append(closers, store.Close)
		log.Info().Str("path", cfg.Transcripts.Path).Msg("recording transcripts")
	}

	reg, err := relay.NewRegistry(relayCfg)
	if err != nil {
		closeAll(closers)
		return err
	}

	ui, err := fs.Sub(staticFS, "static")
	if err != nil {
		closeAll(closers)
		return errors.Wrap(err, "static assets")
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}
	readOpts := relay.ReadOptions{ReadLimit: cfg.Server.ReadLimit, PongWait: cfg.Server.PongWait}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           relay.NewMux(reg, upgrader, readOpts, ui),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv, err := relay.NewServer(httpSrv, reg, cfg.Server.ShutdownTimeout, closers...)
	if err != nil {
		closeAll(closers)
		return err
	}

	log.Info().
		Str("provider", cfg.Provider.Kind).
		Str("default_model", cfg.Provider.DefaultModel).
		Int("history_limit", cfg.Server.HistoryLimit).
		Msg("chat relay configured")
	return srv.Run(ctx)
}

// originChecker allows any origin when allowed is empty, otherwise only
// origins whose host matches one of the entries.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	hosts := map[string]struct{}{}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			a = u.Host
		}
		if a != "" {
			hosts[a] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := hosts[strings.ToLower(u.Host)]
		return ok
	}
}

func closeAll(closers []func() error) {
	for _, c := range closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("close error")
		}
	}
}
