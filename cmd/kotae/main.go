// Command kotae runs the answer engine server.
//
// Usage:
//
//	kotae serve                     serve the HTTP and MCP API (also the default)
//	kotae genkey [--dir data]       write a persistent Ed25519 JWT key pair
//	kotae token --owner <uuid>      print a signed bearer token for local use
//
// Without persistent keys the server generates an ephemeral pair on every
// start, invalidating all previously issued tokens.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kotae"
	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kotae",
		Short:         "Iterative answer refinement engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runServe,
	}
	root.AddCommand(newServeCmd(), newTokenCmd(), newGenKeyCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and MCP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := kotae.New(kotae.WithVersion(version))
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	return app.Run(cmd.Context())
}

func newTokenCmd() *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for an owner",
		Long: "Signs a token with the key pair named by KOTAE_JWT_PRIVATE_KEY and\n" +
			"KOTAE_JWT_PUBLIC_KEY. Ephemeral keys are useless here: the server would not share them.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return issueToken(cmd.OutOrStdout(), owner, ttl)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner UUID the token authenticates")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default KOTAE_JWT_EXPIRATION)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newGenKeyCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Write a persistent Ed25519 JWT key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return genKey(cmd.OutOrStdout(), dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "directory for the key pair")
	return cmd
}

// issueToken signs a token for owner with the configured private key.
func issueToken(out io.Writer, ownerArg string, ttl time.Duration) error {
	owner, err := uuid.Parse(ownerArg)
	if err != nil {
		return fmt.Errorf("--owner must be a UUID: %w", err)
	}

	_ = godotenv.Load()
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	if cfg.JWTPrivateKeyPath == "" || cfg.JWTPublicKeyPath == "" {
		return errors.New("KOTAE_JWT_PRIVATE_KEY and KOTAE_JWT_PUBLIC_KEY must point at the server's key pair")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, logger)
	if err != nil {
		return err
	}
	token, expires, err := mgr.IssueToken(owner, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n# expires %s\n", token, expires.UTC().Format(time.RFC3339))
	return err
}

// genKey writes jwt_private.pem and jwt_public.pem (mode 0600) under dir.
// Existing keys are never overwritten.
func genKey(out io.Writer, dir string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "wrote %s\nwrote %s\nset KOTAE_JWT_PRIVATE_KEY=%s KOTAE_JWT_PUBLIC_KEY=%s\n", privPath, pubPath, privPath, pubPath)
	return err
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
