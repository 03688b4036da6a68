// Command tempest-client dials a Tempest server, completes the
// handshake, and holds the session open until interrupted, logging
// connection lifecycle events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tempestnet/tempest/tempest"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tempest-client",
		Short: "Tempest client",
	}
	root.AddCommand(newDialCmd())
	return root
}

func newDialCmd() *cobra.Command {
	var target string
	var keyType string
	var configPath string

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Connect to a Tempest server and hold the session open",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target is required")
			}
			cfg, err := tempest.LoadConfig(configPath)
			if err != nil {
				return err
			}
			kt, err := parseKeyType(keyType)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			client := tempest.NewClient(&tempest.ClientConfig{
				Config:  cfg,
				KeyType: kt,
				Logger:  logger,
				OnDisconnected: func(sess *tempest.Session, reason tempest.DisconnectReason, custom string) {
					logger.Info("disconnected", zap.String("reason", reason.String()))
				},
			})

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			dialCtx, dialCancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
			sess, err := client.Connect(dialCtx, target)
			dialCancel()
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			logger.Info("connected", zap.String("target", target), zap.Uint32("connection_id", sess.Connection().ID()))

			<-ctx.Done()
			logger.Info("closing")
			return sess.Disconnect(true, tempest.ReasonSuccess, "")
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "host:port of the server to dial")
	cmd.Flags().StringVar(&keyType, "key-type", "rsa4096", "client key type: rsa4096 or circl")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file")
	return cmd
}

func parseKeyType(s string) (byte, error) {
	switch s {
	case "rsa4096", "rsa", "":
		return tempest.KeyTypeRSA4096, nil
	case "circl", "ed25519":
		return tempest.KeyTypeCirclEd25519X25519, nil
	default:
		return 0, fmt.Errorf("unknown key type %q", s)
	}
}
