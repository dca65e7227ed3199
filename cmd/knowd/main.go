package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/knowd-platform/knowd/config"
	srv "github.com/knowd-platform/knowd/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "knowd"}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and periodic jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				serveAddr = os.Getenv("KNOWD_HTTP_ADDR")
			}
			return srv.Run(cfgPath, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to general.listen)")

	var migDir string
	var direction string
	var steps int
	var migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				host := getenv("POSTGRES_HOST", "localhost")
				port := getenv("POSTGRES_PORT", "5432")
				user := os.Getenv("POSTGRES_USER")
				pass := os.Getenv("POSTGRES_PASSWORD")
				db := os.Getenv("POSTGRES_DB")
				ssl := getenv("POSTGRES_SSLMODE", "disable")
				dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var tokenSubject string
	var tokenTTL time.Duration
	var tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if cfg.General.JWTSecret == "" {
				return fmt.Errorf("jwt secret not configured (general.jwt_secret)")
			}
			signed, err := srv.SignJWT(tokenSubject, []byte(cfg.General.JWTSecret), tokenTTL)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "service", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	root.AddCommand(serve, migrateCmd, tokenCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
