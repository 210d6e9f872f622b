package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"studio/internal/infra"
	"studio/internal/infra/credentials"
)

func main() {
	_ = godotenv.Load()

	var keyFlag, setByFlag string
	flag.StringVar(&keyFlag, "key", "", "GPU server API key (falls back to GPU_SERVER_API_KEY)")
	flag.StringVar(&setByFlag, "set-by", "", "operator recorded with the rotation (defaults to the OS user)")
	flag.Parse()

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("GPU_SERVER_API_KEY"))
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "GPU server API key is required via -key or GPU_SERVER_API_KEY")
		os.Exit(1)
	}
	setBy := strings.TrimSpace(setByFlag)
	if setBy == "" {
		if u, err := user.Current(); err == nil {
			setBy = u.Username
		}
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "gpukey").Logger()
	runner := infra.NewSQLRunner(pool, logger)
	if err := infra.EnsureSchema(ctx, runner); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
		os.Exit(1)
	}
	if err := credentials.NewStore(runner).SetGPUServerAPIKey(ctx, key, setBy); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist gpu server api key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("GPU server API key stored; restart workers to pick it up")
}
