package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evconnect/backend/libs/logging"
	"evconnect/backend/services/charging-service/internal/app"
	"evconnect/backend/services/charging-service/internal/auth"
	"evconnect/backend/services/charging-service/internal/config"
)

const serviceName = "charging-service"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           serviceName,
	Short:         "EV charging session and device relay service",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgPath != "" {
			return os.Setenv("CONFIG_FILE", cfgPath)
		}
		return nil
	},
	RunE: serve,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE:  migrate,
}

var (
	tokenUserID    int64
	tokenChargerID int64
	tokenTTL       time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a user or charger bearer token",
	RunE:  issueToken,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (overrides CONFIG_FILE)")
	tokenCmd.Flags().Int64Var(&tokenUserID, "user", 0, "user id")
	tokenCmd.Flags().Int64Var(&tokenChargerID, "charger", 0, "charger id for a publisher token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to auth.tokenTTL)")
	rootCmd.AddCommand(migrateCmd, tokenCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to init charging service", zap.Error(err))
		return err
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("charging service stopped with error", zap.Error(err))
		return err
	}
	return nil
}

func migrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Read()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	return app.Migrate(ctx, cfg, logger)
}

func issueToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Read()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("jwt secret required")
	}
	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, ttl)

	var token string
	switch {
	case tokenChargerID > 0:
		token, err = tokens.GenerateDeviceToken(tokenChargerID)
	case tokenUserID > 0:
		token, err = tokens.GenerateToken(tokenUserID, auth.RoleUser)
	default:
		return errors.New("one of --user or --charger is required")
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
