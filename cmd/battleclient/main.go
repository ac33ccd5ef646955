// battleclient is a headless MockMatch session client: it joins a session,
// mirrors the shared phase state and prints transitions. Useful for load
// testing and protocol debugging without a browser.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mockmatch/mockmatch-client/internal/conn"
	"github.com/mockmatch/mockmatch-client/internal/engine"
	"github.com/mockmatch/mockmatch-client/internal/identity"
)

func main() {
	// Load .env if present; real env always wins.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env")
	}

	var (
		configPath   = flag.String("config", getEnv("MOCKMATCH_CONFIG", "config.yaml"), "path to yaml config")
		identityPath = flag.String("identity", getEnv("MOCKMATCH_IDENTITY", ".mockmatch-identity.yaml"), "path to persisted identity")
		sessionID    = flag.String("session", "", "session id to join (overrides persisted identity)")
		playerID     = flag.String("player", "", "server-assigned player id")
		name         = flag.String("name", "", "display name")
		debug        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	store := identity.NewStore(*identityPath)
	id, err := store.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load identity")
	}
	if *sessionID != "" && *playerID != "" {
		id = &identity.Identity{SessionID: *sessionID, PlayerID: *playerID, DisplayName: *name}
		if err := store.Save(id); err != nil {
			log.Warn().Err(err).Msg("persist identity")
		}
	}
	if id == nil {
		log.Fatal().Msg("no persisted identity; pass -session and -player")
	}

	clock := clockwork.NewRealClock()
	transport := conn.NewManager(cfg.Conn, clock)
	eng := engine.New(cfg, clock, transport)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx, id.SessionID, id.PlayerID); err != nil {
		log.Fatal().Err(err).Msg("start engine")
	}

	for {
		select {
		case <-ctx.Done():
			eng.Leave()
			<-eng.Done()
			if err := store.Clear(); err != nil {
				log.Warn().Err(err).Msg("clear identity")
			}
			return
		case u := <-eng.Updates():
			switch u.Kind {
			case engine.UpdatePhase:
				log.Info().
					Str("phase", string(u.State.Phase)).
					Int("question", u.State.QuestionIndex).
					Int("submitted", len(u.State.Submitted)).
					Bool("all_submitted", u.State.AllSubmitted).
					Bool("show_results", u.State.ShowResults).
					Msg("phase update")
			case engine.UpdateConnection:
				log.Info().
					Stringer("connection", u.Connection).
					Bool("reconnecting", u.Reconnecting).
					Msg("connection update")
			case engine.UpdateTerminal:
				log.Error().Err(u.Err).Msg("session ended")
				if err := store.Clear(); err != nil {
					log.Warn().Err(err).Msg("clear identity")
				}
				return
			}
		}
	}
}
