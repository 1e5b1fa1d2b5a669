// Command pantosmime runs the S/MIME-encrypting milter daemon.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	milter "github.com/d--j/go-milter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vifino/pantosmime/internal/milteradapter"
	"github.com/vifino/pantosmime/internal/session"
)

const defaultMaxBodyBytes = 32 << 20

var (
	listenAddr   string
	certDir      string
	responsible  []string
	maxBodyBytes int64
)

var rootCmd = &cobra.Command{
	Use:   "pantosmime",
	Short: "milter that S/MIME-encrypts outbound mail and harvests signer certificates from signed inbound mail",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&listenAddr, "listen", "127.0.0.1:22666", "TCP listen endpoint for the milter transport")
	flags.StringVar(&certDir, "certificate-directory", "", "root of the per-email PEM certificate store (required)")
	flags.StringArrayVar(&responsible, "address", nil, "an address this daemon is authoritative for; repeatable")
	flags.Int64Var(&maxBodyBytes, "max-body-bytes", defaultMaxBodyBytes, "reject messages whose body exceeds this many bytes")
	_ = rootCmd.MarkFlagRequired("certificate-directory")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("PANTOSMIME_LOG")))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func run(cmd *cobra.Command, args []string) error {
	log := newLogger()

	if _, err := os.Stat(certDir); err != nil {
		return fmt.Errorf("certificate directory %q: %w", certDir, err)
	}

	cfg := session.Config{
		Responsible:  responsible,
		CertDir:      certDir,
		MaxBodyBytes: maxBodyBytes,
	}

	socket, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", listenAddr, err)
	}
	defer socket.Close()

	milterOptions := []milter.Option{
		milter.WithMilter(milteradapter.NewMilterFunc(cfg, log)),
		milter.WithActions(milteradapter.NegotiatedActions),
		milter.WithProtocols(milteradapter.NegotiatedProtocol),
	}
	for _, stage := range []milter.MacroStage{
		milter.StageMail,
		milter.StageRcpt,
		milter.StageData,
		milter.StageEOH,
		milter.StageEOM,
	} {
		milterOptions = append(milterOptions, milter.WithMacroRequest(stage, []milter.MacroName{milter.MacroQueueId}))
	}

	server := milter.NewServer(milterOptions...)
	defer server.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(socket)
	}()

	log.Info().Str("listen", socket.Addr().String()).Msg("pantosmime started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		log.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("milter server: %w", err)
		}
		return nil
	}
}
