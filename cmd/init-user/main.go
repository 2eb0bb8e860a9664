package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	dbutils "github.com/tendant/db-utils/db"
	"github.com/tendant/identity-store/pkg/config"
	"github.com/tendant/identity-store/pkg/identity"
)

type Config struct {
	Database config.DatabaseConfig
	Store    config.StoreConfig
}

func main() {
	// Parse command line arguments
	username := flag.String("username", "", "User name for the new user (required)")
	email := flag.String("email", "", "Email for the new user")
	claims := flag.String("claims", "", "Comma-separated type=value claims to attach")
	flag.Parse()

	if *username == "" {
		fmt.Println("Error: username is required")
		flag.Usage()
		os.Exit(1)
	}

	// Create a logger with source enabled
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
	}))
	slog.SetDefault(logger)

	// Load configuration from environment variables
	cfg := Config{}
	cleanenv.ReadEnv(&cfg)

	// Connect to the database
	dbConfig := cfg.Database.ToDbConfig()
	pool, err := dbutils.NewDbPool(context.Background(), dbConfig)
	if err != nil {
		slog.Error("Failed creating dbpool", "db", dbConfig.Database, "host", dbConfig.Host, "port", dbConfig.Port, "user", dbConfig.User)
		os.Exit(1)
	}
	defer pool.Close()

	// Create the store
	repo := identity.NewPostgresIdentityRepository(pool)
	store := identity.NewUserStoreWithOptions(repo, identity.UserStoreOptions{
		AutoFlush: cfg.Store.AutoFlush,
	})
	defer store.Close()

	ctx := context.Background()

	user := identity.NewUser(*username)
	user.NormalizedUserName = strings.ToUpper(*username)
	user.Email = *email
	user.NormalizedEmail = strings.ToUpper(*email)

	slog.Info("Creating user", "username", *username)
	result, err := store.CreateUser(ctx, user)
	if err != nil {
		slog.Error("Failed to create user", "error", err)
		os.Exit(1)
	}
	if !result.Succeeded {
		slog.Error("Create user rejected", "errors", result.Errors)
		os.Exit(1)
	}

	if *claims != "" {
		parsed, err := parseClaims(*claims)
		if err != nil {
			slog.Error("Failed to parse claims", "error", err)
			os.Exit(1)
		}
		if err := store.AddClaims(ctx, user, parsed); err != nil {
			slog.Error("Failed to add claims", "error", err)
			os.Exit(1)
		}
	}

	if !cfg.Store.AutoFlush {
		if err := store.Flush(ctx); err != nil {
			slog.Error("Failed to flush", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Created user", "id", user.ID, "username", *username)
}

// parseClaims parses "type=value,type=value" into claims
func parseClaims(s string) ([]identity.Claim, error) {
	var claims []identity.Claim
	for _, pair := range strings.Split(s, ",") {
		claimType, claimValue, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid claim %q, expected type=value", pair)
		}
		claims = append(claims, identity.Claim{Type: claimType, Value: claimValue})
	}
	return claims, nil
}
