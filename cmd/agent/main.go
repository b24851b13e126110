package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shiftly/dispatch/internal/config"
	"github.com/shiftly/dispatch/internal/dispatch/agent"
	"github.com/shiftly/dispatch/internal/dispatch/channel"
	"github.com/shiftly/dispatch/internal/dispatch/lifecycle"
	"github.com/shiftly/dispatch/internal/dispatch/presence"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := loadConfig()
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	actorID, err := uuid.Parse(os.Getenv("ACTOR_ID"))
	if err != nil {
		log.Fatal().Msg("ACTOR_ID must be a valid UUID")
	}
	displayName := getEnv("DISPLAY_NAME", "worker")
	backendURL := getEnv("BACKEND_URL", "http://localhost:8080")
	channelURL := cfg.Channel.URL
	if channelURL == "" {
		channelURL = "ws://localhost:8080/ws"
	}

	token, refreshToken, err := login(backendURL, actorID)
	if err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}

	worker, err := agent.New(agent.Options{
		Identity: lifecycle.Identity{
			ActorID:     actorID,
			DisplayName: displayName,
		},
		BackendURL:       backendURL,
		ChannelURL:       channelURL,
		Token:            token,
		RefreshToken:     refreshToken,
		PresenceInterval: cfg.Presence.Interval,
		ReconnectMin:     cfg.Channel.MinBackoff,
		ReconnectMax:     cfg.Channel.MaxBackoff,
		Location:         staticLocation{},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build worker agent")
	}
	defer worker.Close()

	worker.OnCredentialExpired(func(err error) {
		log.Error().Err(err).Msg("session expired, please sign in again")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for transition := range worker.Transitions() {
			log.Info().
				Str("job_id", transition.JobID.String()).
				Str("from", string(transition.From)).
				Str("to", string(transition.To)).
				Msg("job transitioned")
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- worker.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		<-runErr
	case err := <-runErr:
		if errors.Is(err, channel.ErrCredentialExpired) {
			log.Error().Msg("worker agent stopped: credential expired")
			os.Exit(1)
		}
		if err != nil {
			log.Fatal().Err(err).Msg("worker agent failed")
		}
	}

	log.Info().Msg("worker agent shutdown complete")
}

// login exchanges the actor identity for a credential pair.
func login(backendURL string, actorID uuid.UUID) (token, refresh string, err error) {
	body, _ := json.Marshal(map[string]string{"actor_id": actorID.String()})
	resp, err := http.Post(backendURL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	var grant struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return "", "", fmt.Errorf("decode login response: %w", err)
	}
	return grant.Token, grant.RefreshToken, nil
}

// staticLocation reads a fixed position from the environment; real
// deployments plug a device location source in here.
type staticLocation struct{}

func (staticLocation) Locate(ctx context.Context) (float64, float64, error) {
	var lat, lon float64
	fmt.Sscanf(getEnv("LOCATION_LAT", "0"), "%f", &lat)
	fmt.Sscanf(getEnv("LOCATION_LON", "0"), "%f", &lon)
	return lat, lon, nil
}

var _ presence.Source = staticLocation{}

func loadConfig() *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to load configuration")
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
