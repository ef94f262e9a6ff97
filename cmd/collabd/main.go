package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/realtime-notes/collab/internal/config"
	"github.com/realtime-notes/collab/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	users := flag.String("users", "", "Comma-separated token=id:name account list (e.g. secret=1:alice)")
	noAnon := flag.Bool("no-anonymous", false, "Reject participants without a credential")
	flag.Parse()

	cfg := config.Default()
	if loaded, err := config.Load(*configPath); err == nil {
		cfg = loaded
	} else if !os.IsNotExist(err) {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store server.Store = server.NewMemStore()
	if cfg.Server.DatabaseURL != "" {
		pg, err := server.NewPGStore(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		store = pg
		log.Println("Using postgres note store")
	} else {
		log.Println("Using in-memory note store")
	}
	defer store.Close()

	var relay *server.Relay
	if cfg.Server.RedisAddr != "" {
		r, err := server.NewRelay(ctx, cfg.Server.RedisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		relay = r
		defer relay.Close()
		log.Println("Cross-instance relay enabled")
	}

	accounts := parseUsers(*users)
	if cfg.Server.AuthToken != "" && len(accounts) == 0 {
		accounts[cfg.Server.AuthToken] = server.User{ID: 1, Name: "admin"}
	}

	hub := server.NewHub(ctx, store, relay)
	srv := server.NewServer(hub, store, accounts, !*noAnon)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		cancel()
	}()

	log.Printf("collabd listening on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

// parseUsers turns "token=id:name,token2=id2:name2" into an account map.
func parseUsers(s string) map[string]server.User {
	out := make(map[string]server.User)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, rest, ok := strings.Cut(entry, "=")
		if !ok {
			log.Fatalf("Bad -users entry %q", entry)
		}
		idStr, name, ok := strings.Cut(rest, ":")
		if !ok {
			log.Fatalf("Bad -users entry %q", entry)
		}
		var id int64
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			log.Fatalf("Bad user id in %q: %v", entry, err)
		}
		out[token] = server.User{ID: id, Name: name}
	}
	return out
}
