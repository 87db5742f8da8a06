package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"scenejobs/internal/infra"
	"scenejobs/internal/infra/credentials"
)

func main() {
	var (
		keyFlag    string
		deleteFlag bool
	)
	flag.StringVar(&keyFlag, "key", "", "Gemini API key to store (falls back to GEMINI_API_KEY)")
	flag.BoolVar(&deleteFlag, "delete", false, "Remove the stored Gemini API key")
	flag.Parse()

	_ = godotenv.Load()

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}
	if key == "" && !deleteFlag {
		fmt.Fprintln(os.Stderr, "GEMINI API key is required via -key or environment")
		os.Exit(1)
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

	logger := infra.NewLogger("cli").With().Str("cmd", "geminikey").Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	ctxExec, cancelExec := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelExec()
	if err := store.EnsureSchema(ctxExec); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare credentials table: %v\n", err)
		os.Exit(1)
	}

	if deleteFlag {
		if err := store.DeleteGeminiAPIKey(ctxExec); err != nil {
			fmt.Fprintf(os.Stderr, "failed to delete gemini api key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("GEMINI API key removed")
		return
	}

	if err := store.SetGeminiAPIKey(ctxExec, key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist gemini api key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("GEMINI API key stored successfully")
}
