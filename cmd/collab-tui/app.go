package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/realtime-notes/collab/internal/engine"
	"github.com/realtime-notes/collab/internal/protocol"
	"github.com/realtime-notes/collab/internal/transport"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	rosterStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// --- engine event messages ---

type joinedMsg struct{ err error }
type bufferMsg struct{ content string }
type presenceMsg struct{ users []protocol.PresenceUser }
type connMsg struct{ state transport.ConnState }
type errMsg struct{ err error }
type historyMsg struct {
	verb    string
	message string
}

type app struct {
	eng    *engine.Engine
	noteID int64
	events chan tea.Msg

	ta       textarea.Model
	lastSent string // textarea content as last reconciled with the engine
	users    []protocol.PresenceUser
	state    transport.ConnState
	joined   bool
	notice   string
	width    int
	height   int
}

func newApp(eng *engine.Engine, noteID int64) *app {
	ta := textarea.New()
	ta.Placeholder = "Start typing to edit the note..."
	ta.Focus()

	a := &app{
		eng:    eng,
		noteID: noteID,
		events: make(chan tea.Msg, 64),
		ta:     ta,
	}

	eng.OnOperation(func(_ protocol.Operation, content string) {
		a.events <- bufferMsg{content: content}
	})
	eng.OnPresence(func(users []protocol.PresenceUser) {
		a.events <- presenceMsg{users: users}
	})
	eng.OnConnState(func(s transport.ConnState) {
		a.events <- connMsg{state: s}
	})
	eng.OnError(func(err error) {
		a.events <- errMsg{err: err}
	})
	return a
}

func (a *app) Init() tea.Cmd {
	return tea.Batch(a.join(), a.waitEvent(), textarea.Blink)
}

func (a *app) join() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return joinedMsg{err: a.eng.Join(ctx, a.noteID)}
	}
}

// waitEvent forwards the next engine event into the Bubble Tea loop.
func (a *app) waitEvent() tea.Cmd {
	return func() tea.Msg { return <-a.events }
}

func (a *app) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ta.SetWidth(msg.Width - 24)
		a.ta.SetHeight(msg.Height - 4)
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			a.eng.Leave()
			return a, tea.Quit
		case "ctrl+z":
			return a, a.history("undo")
		case "ctrl+y":
			return a, a.history("redo")
		}
		return a.editKey(msg)

	case joinedMsg:
		if msg.err != nil {
			a.notice = fmt.Sprintf("join failed: %v", msg.err)
			return a, nil
		}
		a.joined = true
		a.setBuffer(a.eng.Buffer())
		return a, nil

	case bufferMsg:
		a.setBuffer(msg.content)
		return a, a.waitEvent()

	case presenceMsg:
		a.users = msg.users
		return a, a.waitEvent()

	case connMsg:
		a.state = msg.state
		return a, a.waitEvent()

	case errMsg:
		a.notice = msg.err.Error()
		return a, a.waitEvent()

	case historyMsg:
		if msg.message != "" {
			a.notice = msg.message
		} else {
			a.setBuffer(a.eng.Buffer())
			a.notice = msg.verb + " applied"
		}
		return a, nil
	}
	return a, nil
}

// editKey feeds the key to the textarea and turns the resulting change
// into a single splice operation.
func (a *app) editKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	a.ta, cmd = a.ta.Update(msg)

	cur := a.ta.Value()
	if cur != a.lastSent {
		pos, del, ins := splice(a.lastSent, cur)
		a.eng.SendOperation(pos, del, ins)
		a.lastSent = cur
	}
	return a, cmd
}

func (a *app) history(verb string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var message string
		if verb == "undo" {
			r, err := a.eng.Undo(ctx)
			if err != nil {
				message = err.Error()
			} else if !r.Available {
				message = r.Message
			}
		} else {
			r, err := a.eng.Redo(ctx)
			if err != nil {
				message = err.Error()
			} else if !r.Available {
				message = r.Message
			}
		}
		return historyMsg{verb: verb, message: message}
	}
}

func (a *app) setBuffer(content string) {
	a.ta.SetValue(content)
	a.lastSent = content
}

func (a *app) View() string {
	status := offlineStyle.Render("OFFLINE — edits kept locally")
	if a.state == transport.Connected && a.joined {
		status = onlineStyle.Render(fmt.Sprintf("connected · note %d", a.noteID))
	} else if a.state == transport.Reconnecting {
		status = offlineStyle.Render("reconnecting...")
	}

	roster := "alone in the room"
	if len(a.users) > 0 {
		roster = fmt.Sprintf("%d online:", len(a.users))
		for _, u := range a.users {
			roster += "\n  " + u.UserName
		}
	}

	header := lipgloss.JoinHorizontal(lipgloss.Top,
		titleStyle.Render("collab"), "  ", status)
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		a.ta.View(), "  ", rosterStyle.Render(roster))

	out := header + "\n" + body
	if a.notice != "" {
		out += "\n" + noticeStyle.Render(a.notice)
	}
	return out
}

// splice reduces the difference between old and new to one
// delete-then-insert at a position, by trimming the common prefix and
// suffix.
func splice(old, new string) (pos, deleteLen int, insert string) {
	p := 0
	for p < len(old) && p < len(new) && old[p] == new[p] {
		p++
	}
	so, sn := len(old), len(new)
	for so > p && sn > p && old[so-1] == new[sn-1] {
		so--
		sn--
	}
	return p, so - p, new[p:sn]
}
