package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/config"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/infra"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/infra/credentials"
)

// studiokey manages the painter API key pool stored in the database.
//
//	studiokey -add KEY        append one key
//	studiokey -set "K1,K2"    replace the pool
//	studiokey -list           print the pool
func main() {
	var (
		addFlag  string
		setFlag  string
		listFlag bool
	)
	flag.StringVar(&addFlag, "add", "", "append one painter API key to the pool")
	flag.StringVar(&setFlag, "set", "", "replace the pool with a comma-separated key list")
	flag.BoolVar(&listFlag, "list", false, "print the stored key pool")
	flag.Parse()

	if addFlag == "" && setFlag == "" && !listFlag {
		fmt.Fprintln(os.Stderr, "one of -add, -set or -list is required")
		os.Exit(1)
	}

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := infra.NewDBPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "studiokey").Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	switch {
	case listFlag:
		keys, err := store.PainterKeys(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read key pool: %v\n", err)
			os.Exit(1)
		}
		if len(keys) == 0 {
			fmt.Println("key pool is empty")
			return
		}
		for _, k := range keys {
			fmt.Println(mask(k))
		}
	case setFlag != "":
		keys := strings.Split(setFlag, ",")
		if err := store.SetPainterKeys(ctx, keys); err != nil {
			fmt.Fprintf(os.Stderr, "failed to store key pool: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("stored %d painter key(s)\n", len(keys))
	default:
		if err := store.AddPainterKey(ctx, addFlag); err != nil {
			fmt.Fprintf(os.Stderr, "failed to add key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("painter key added")
	}
}

func mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
