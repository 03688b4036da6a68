// Command tempestd runs a standalone Tempest server: it accepts
// connections, drives the handshake, and logs connection lifecycle
// events. It exists as an operable binary alongside the library
// package, the way shadowmesh ships cmd/shadowmesh-daemon next to its
// packages rather than leaving the transport library headless.
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
		Use:   "tempestd",
		Short: "Tempest server daemon",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newGenKeyCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	var listenAddr string
	var keyType string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and run the handshake/session engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tempest.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddress = listenAddr
			}

			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			kt, err := parseKeyType(keyType)
			if err != nil {
				return err
			}
			identity, err := tempest.NewServerIdentity(kt)
			if err != nil {
				return fmt.Errorf("generate server identity: %w", err)
			}

			srv := tempest.NewServer(&tempest.ServerConfig{
				Config:   cfg,
				Identity: identity,
				Logger:   logger,
				Audit:    tempest.NewMemoryAuditSink(1024),
				OnConnectionMade: func(sess *tempest.Session) bool {
					logger.Info("connection made", zap.Uint32("connection_id", sess.Connection().ID()))
					return true
				},
				OnDisconnected: func(sess *tempest.Session, reason tempest.DisconnectReason, custom string) {
					logger.Info("disconnected", zap.Uint32("connection_id", sess.Connection().ID()), zap.String("reason", reason.String()))
				},
			})

			if err := srv.Start(cfg.ListenAddress); err != nil {
				return fmt.Errorf("start server: %w", err)
			}
			logger.Info("tempestd listening", zap.String("address", cfg.ListenAddress))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			<-ctx.Done()

			logger.Info("shutting down")
			return srv.Stop()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override the configured listen address")
	cmd.Flags().StringVar(&keyType, "key-type", "rsa4096", "server identity key type: rsa4096 or circl")
	return cmd
}

func newGenKeyCmd() *cobra.Command {
	var keyType string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a server identity and print its public keys as JWK",
		RunE: func(cmd *cobra.Command, args []string) error {
			kt, err := parseKeyType(keyType)
			if err != nil {
				return err
			}
			identity, err := tempest.NewServerIdentity(kt)
			if err != nil {
				return err
			}
			authJWK, err := tempest.ExportPublicKeyJWK(kt, identity.AuthPub)
			if err != nil {
				return fmt.Errorf("export auth key: %w", err)
			}
			encJWK, err := tempest.ExportPublicKeyJWK(kt, identity.EncPub)
			if err != nil {
				return fmt.Errorf("export encryption key: %w", err)
			}
			fmt.Printf("auth_public_key: %s\n", authJWK)
			fmt.Printf("encrypt_public_key: %s\n", encJWK)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyType, "key-type", "rsa4096", "key type: rsa4096 or circl")
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

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return cfg.Build()
}
