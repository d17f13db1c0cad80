package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	pixelpilot "github.com/snokvist/pixelpilot-mini"
	"github.com/snokvist/pixelpilot-mini/pkg/config"
)

func main() {
	path, rest := configPath(os.Args[1:])

	var cfg *config.AppConfig
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pixelpilot: %v\n", err)
			os.Exit(2)
		}
	} else {
		cfg = config.Default()
	}
	if err := config.ParseFlags(cfg, "pixelpilot", rest); err != nil {
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "pixelpilot: %v\n", err)
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pixelpilot.Run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

// configPath pulls --config out of the argument list before the flag
// overlay sees it; the file must load before flags can override it.
func configPath(args []string) (string, []string) {
	path := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				path = args[i+1]
				i++
			}
		case strings.HasPrefix(a, "--config="):
			path = strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			path = strings.TrimPrefix(a, "-config=")
		default:
			rest = append(rest, a)
		}
	}
	return path, rest
}
