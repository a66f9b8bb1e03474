package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/civicly/chatsync/internal/auth"
	"github.com/civicly/chatsync/internal/config"
	"github.com/civicly/chatsync/internal/engine"
	"github.com/civicly/chatsync/internal/history"
	"github.com/civicly/chatsync/internal/model"
)

func main() {
	godotenv.Load()

	roomID := flag.String("room", "lobby", "room to join")
	token := flag.String("token", os.Getenv("CHATSYNC_TOKEN"), "session token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config: ", err)
	}
	setupLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var hist history.Service
	if cfg.RedisURL != "" {
		redisHist, err := history.NewRedis(ctx, cfg.RedisURL, cfg.HistoryBound, slog.Default())
		if err != nil {
			log.Fatal("connect redis: ", err)
		}
		defer redisHist.Close()
		hist = redisHist
	}

	eng, err := engine.New(ctx, engine.Params{
		Config:  cfg,
		Tokens:  auth.StaticToken(*token),
		History: hist,
	})
	if err != nil {
		log.Fatal("start engine: ", err)
	}
	defer eng.Close()

	sub := eng.Subscribe(*roomID, engine.Handler{
		OnMessage: func(msg model.Message) {
			fmt.Printf("[%s] %s: %s\n", msg.RoomID, msg.SenderID, msg.Content)
		},
		OnHistory: func(msgs []model.Message) {
			for _, msg := range msgs {
				fmt.Printf("[%s] %s: %s\n", msg.RoomID, msg.SenderID, msg.Content)
			}
		},
		OnTyping: func(typists []string) {
			if len(typists) > 0 {
				fmt.Printf("-- typing: %s\n", strings.Join(typists, ", "))
			}
		},
		OnPresence: func(online []string) {
			fmt.Printf("-- online: %s\n", strings.Join(online, ", "))
		},
	})
	defer sub.Cancel()

	go func() {
		for err := range eng.Errors() {
			slog.Warn("engine error", "error", err)
		}
	}()

	slog.Info("joined room", "room", *roomID, "server", cfg.ServerURL)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			eng.StartTyping(*roomID)
			msg := eng.Send(*roomID, text)
			eng.StopTyping(*roomID)
			slog.Debug("queued", "clientId", msg.ClientID)

		case <-ctx.Done():
			return
		}
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
