package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/avatar-speech/internal/dispatch"
	"github.com/lexiqai/avatar-speech/internal/speech"
)

var (
	speakMode string
	speakOut  string
)

var speakCmd = &cobra.Command{
	Use:   "speak [text]",
	Short: "Speak one utterance and exit when it has finished playing",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSpeak,
}

func init() {
	speakCmd.Flags().StringVarP(&speakMode, "mode", "m", "", "direct or chat (default: chat when CHAT_URL is set)")
	speakCmd.Flags().StringVarP(&speakOut, "out", "o", "", "write the scheduled audio to a WAV file instead of the speaker")
}

func runSpeak(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	renderers := dispatch.Fanout{dispatch.LogDispatcher{Logger: logger}}
	rt, err := newRuntime(cmd.Context(), cfg, logger, speakOut, renderers, speech.LogIndicator{Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	mode := rt.engine.DefaultMode()
	if speakMode != "" {
		if mode, err = speech.ParseMode(speakMode); err != nil {
			return err
		}
	}

	s, err := rt.engine.Send(cmd.Context(), mode, strings.Join(args, " "))
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-s.Done():
	case <-quit:
		rt.engine.Interrupt()
		return speech.ErrInterrupted
	}
	if err := s.Err(); err != nil {
		return err
	}

	// The stream is done but the device may still be playing
	end := s.Horizon()
	if out, ok := rt.output.(interface{ End() time.Time }); ok && out.End().After(end) {
		end = out.End()
	}
	if wait := time.Until(end); wait > 0 && speakOut == "" {
		select {
		case <-time.After(wait):
		case <-quit:
			rt.engine.Interrupt()
			return speech.ErrInterrupted
		}
	}

	logger.Info().
		Str("session_id", s.ID()).
		Str("mode", string(mode)).
		Msg("Utterance finished")
	if speakOut != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", speakOut)
	}
	return nil
}
