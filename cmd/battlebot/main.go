package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"pokebattle-server/internal/client"
	"pokebattle-server/internal/logging"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "battle server WebSocket URL")
	name := flag.String("name", "", "player name (default: random)")
	team := flag.String("team", "", "comma-separated species ids; empty takes the first offered")
	battles := flag.Int("battles", 1, "battles to play, asking for a rematch in between")
	random := flag.Bool("random", false, "pick moves at random instead of the strongest")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	log, err := logging.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if *name == "" {
		*name = fmt.Sprintf("bot-%04d", rand.IntN(10000))
	}

	var species []string
	if *team != "" {
		for _, id := range strings.Split(*team, ",") {
			species = append(species, strings.TrimSpace(id))
		}
	}

	var strategy client.Strategy = client.StrongestMove
	if *random {
		strategy = client.RandomMove(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	player := client.NewPlayer(*name, species, *battles, strategy, log)
	bot, err := client.Dial(ctx, *serverURL, player, log)
	if err != nil {
		log.Fatal("connect failed", zap.Error(err))
	}

	results, err := bot.Run(ctx)
	wins := 0
	for _, r := range results {
		if r.IsWinner {
			wins++
		}
	}
	log.Info("finished", zap.Int("battles", len(results)), zap.Int("wins", wins))
	if err != nil && ctx.Err() == nil {
		log.Fatal("bot stopped", zap.Error(err))
	}
}
