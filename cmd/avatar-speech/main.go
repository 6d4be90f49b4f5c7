package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lexiqai/avatar-speech/internal/chat"
	"github.com/lexiqai/avatar-speech/internal/clock"
	"github.com/lexiqai/avatar-speech/internal/config"
	"github.com/lexiqai/avatar-speech/internal/dispatch"
	"github.com/lexiqai/avatar-speech/internal/journal"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/playback"
	"github.com/lexiqai/avatar-speech/internal/speaker"
	"github.com/lexiqai/avatar-speech/internal/speech"
)

var rootCmd = &cobra.Command{
	Use:          "avatar-speech",
	Short:        "Stream ElevenLabs speech with lip-sync visemes to an avatar renderer",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, speakCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration and initializes the global logger. The
// returned logger is tagged with the running command.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.WithContext(observability.GetLogger(), map[string]interface{}{
		"command":  cmd.Name(),
		"voice_id": cfg.ElevenLabsVoiceID,
	})
	return cfg, logger, nil
}

// runtime holds the long-lived collaborators shared by both commands
type runtime struct {
	engine  *speech.Engine
	output  playback.Output
	nats    *dispatch.NATSDispatcher
	journal *journal.Store
	chat    *chat.Client
	closers []io.Closer
	logger  zerolog.Logger
}

// openOutput selects the audio output: a WAV file when outPath is set,
// otherwise the configured device.
func openOutput(cfg *config.Config, outPath string, logger zerolog.Logger) (playback.Output, io.Closer, error) {
	format := cfg.AudioFormat()
	switch {
	case outPath != "":
		out := playback.NewFileOutput(outPath, format)
		return out, out, nil
	case cfg.AudioOutput == config.OutputSpeaker:
		spk, err := speaker.Open(clock.System(), format, time.Duration(cfg.AudioBufferMs)*time.Millisecond, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open audio device: %w", err)
		}
		return spk, spk, nil
	default:
		return playback.NewDiscard(), nil, nil
	}
}

// newRuntime wires the engine. Renderer-facing dispatchers are passed in by
// the command; NATS is added when configured.
func newRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger, outPath string, renderers dispatch.Fanout, indicator speech.Indicator) (*runtime, error) {
	rt := &runtime{logger: logger}

	output, closer, err := openOutput(cfg, outPath, logger)
	if err != nil {
		return nil, err
	}
	rt.output = output
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}

	dispatchers := renderers
	if cfg.NATSURL != "" {
		nd, err := dispatch.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.nats = nd
		dispatchers = append(dispatchers, nd)
	}
	if len(dispatchers) == 0 {
		dispatchers = append(dispatchers, dispatch.LogDispatcher{Logger: logger})
	}

	deps := speech.Deps{
		Clock:      clock.System(),
		Output:     output,
		Dispatcher: dispatchers,
		Indicator:  indicator,
		Logger:     logger,
	}

	if cfg.ChatURL != "" {
		client, err := chat.NewClient(cfg, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.chat = client
		deps.Responder = client
		logger.Info().Str("endpoint", client.Endpoint()).Msg("Chat backend enabled")
	}

	if cfg.JournalPath != "" {
		store, err := journal.Open(ctx, cfg.JournalPath)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.journal = store
		rt.closers = append(rt.closers, store)
		deps.Journal = store
	}

	engine, err := speech.New(cfg, deps)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = engine
	return rt, nil
}

// Close stops the engine and releases outputs in reverse order
func (rt *runtime) Close() {
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.nats != nil {
		rt.nats.Close()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			rt.logger.Error().Err(err).Msg("Error releasing resource")
		}
	}
}
