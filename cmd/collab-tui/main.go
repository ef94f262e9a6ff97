// Command collab-tui is a terminal editing surface for a shared note: it
// joins a collaboration room, mirrors remote edits live, and sends local
// edits as position-based operations.
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/realtime-notes/collab/internal/config"
	"github.com/realtime-notes/collab/internal/engine"
	"github.com/realtime-notes/collab/internal/journal"
	"github.com/realtime-notes/collab/internal/session"
	"github.com/realtime-notes/collab/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	baseURL := flag.String("url", "", "Collaboration endpoint base URL (overrides config)")
	noteID := flag.Int64("note", 1, "Note id to edit")
	token := flag.String("token", "", "Auth token (omit for anonymous mode)")
	userID := flag.Int64("user-id", 0, "User id matching the token")
	name := flag.String("name", "", "Display name")
	binding := flag.String("transport", "", "Transport binding: push or poll (overrides config)")
	journalPath := flag.String("journal", "", "Path to the offline buffer journal (optional)")
	flag.Parse()

	cfg := config.Default()
	if loaded, err := config.Load(*configPath); err == nil {
		cfg = loaded
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *baseURL == "" {
		*baseURL = cfg.Client.ServerURL
	}
	if *binding == "" {
		*binding = cfg.Client.Transport
	}

	identity := session.AnonymousIdentity()
	if *token != "" {
		identity = session.Identity{UserID: *userID, UserName: *name, Token: *token}
	}
	if *name != "" {
		identity.UserName = *name
	}

	rest := transport.NewREST(*baseURL, *token, cfg.Client.RequestTimeout.Std())
	var tr transport.Transport
	switch *binding {
	case "push":
		ws := transport.NewWS(deriveWSURL(*baseURL), *token)
		ws.SetReconnectDelay(cfg.Client.ReconnectDelay.Std())
		tr = ws
	case "poll":
		tr = transport.NewPoll(rest, cfg.Client.PollInterval.Std())
	default:
		fmt.Fprintf(os.Stderr, "unknown transport %q\n", *binding)
		os.Exit(1)
	}

	var jour *journal.Journal
	if *journalPath != "" {
		j, err := journal.Open(*journalPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "journal: %v\n", err)
			os.Exit(1)
		}
		defer j.Close()
		jour = j
	}

	eng := engine.New(engine.Options{
		Transport: tr,
		REST:      rest,
		Identity:  identity,
		Journal:   jour,
	})
	defer eng.Close()

	p := tea.NewProgram(newApp(eng, *noteID), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deriveWSURL converts http://host:port → ws://host:port/ws.
func deriveWSURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return "ws://127.0.0.1:8080/ws"
	}
	scheme := "ws"
	if strings.HasPrefix(u.Scheme, "https") {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host)
}
