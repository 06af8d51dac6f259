package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/veidt/patchtap/capture"
	"github.com/veidt/patchtap/config"
	"github.com/veidt/patchtap/proxy"
	"github.com/veidt/patchtap/tools"
)

var (
	configFile = tools.GetenvDefault(config.EnvPrefix+"CONFIG", "config.yaml")

	Cmd = &cobra.Command{
		Use:   "run",
		Short: "Run the capture proxy",
		Args:  cobra.NoArgs,
		RunE:  runProxy,
	}
)

func init() {
	Cmd.Flags().StringVarP(&configFile, "config", "c", configFile, "path of config file")
}

func runProxy(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "run-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var capLog *capture.Log
	if cfg.Capture.IsEnabled() {
		capLog, err = capture.Open(capture.Config{
			TextPath:   cfg.Capture.TextLog,
			BinaryPath: cfg.Capture.BinaryLog,
			IndexPath:  cfg.Capture.IndexLog,
		}, log.Logger)
		if err != nil {
			return err
		}
		defer capLog.Close()
	} else {
		logger.Warn().Msg("capture disabled, running as a pure relay")
	}

	p := proxy.New(cfg, capLog, log.Logger)
	errCh := make(chan error, 1)
	go func() {
		if err := p.Serve(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	case err := <-errCh:
		logger.Error().Err(err).Msg("proxy error")
		return err
	}

	logger.Info().Msg("proxy stopped")
	return nil
}
