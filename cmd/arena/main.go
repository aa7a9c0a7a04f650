package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"arena/internal/app"
	"arena/internal/auth"
	"arena/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		logrus.WithError(err).Fatal("arena exited with error")
	}
}

// run parses flags, loads configuration (file > env > defaults) and serves
// until ctx is cancelled. With -issue-token it prints a signed token for
// the given user id instead of serving.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("arena", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	configPath := flags.String("config", os.Getenv("ARENA_CONFIG_FILE"), "path to a JSON config file")
	issueToken := flags.String("issue-token", "", "print a bearer token for this user id and exit")
	handle := flags.String("handle", "", "display handle for -issue-token")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if *issueToken != "" {
		return printToken(cfg, *issueToken, *handle, stdout)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	var runErr error
	if err := application.Start(ctx); err != nil {
		runErr = fmt.Errorf("application error: %w", err)
	} else {
		select {
		case err := <-application.Errors():
			runErr = fmt.Errorf("application error: %w", err)
		case <-ctx.Done():
			logger.Info("Received signal, shutting down gracefully")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown error: %w", err))
	}
	return runErr
}

func printToken(cfg *config.Config, userID, handle string, stdout io.Writer) error {
	authenticator, err := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	if handle == "" {
		handle = userID
	}
	token, err := authenticator.GenerateToken(userID, handle)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
