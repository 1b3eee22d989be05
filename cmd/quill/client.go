package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quill/internal/config"
	"github.com/ShayCichocki/quill/internal/protocol"
	"github.com/ShayCichocki/quill/internal/tui"
)

var clientAddr string

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Attach an interactive terminal client to a server",
	Long: `Connect to a quill server, create a session, and drive it from an
interactive TUI. Type a question to start the pipeline, answer plan
confirmations with y/n, and watch section tasks complete in real time.`,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringVar(&clientAddr, "addr", "", "Server address host:port (overrides config)")
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	addr := clientAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	url := "ws://" + addr + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer conn.Close()

	sender := &wsSender{conn: conn}
	program, _ := tui.NewProgram(sender)

	// Log output corrupts the alt-screen display.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	if err := sender.Send(protocol.UserCreateSession, nil); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	go forwardEnvelopes(program, sender, conn)

	_, err = program.Run()
	return err
}

// forwardEnvelopes reads server envelopes and feeds them into the TUI. The
// session id from agent.session_created is captured for outbound stamping
// before the envelope reaches the model.
func forwardEnvelopes(program *tea.Program, sender *wsSender, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			program.Send(tui.DisconnectedMsg{Err: err})
			return
		}

		var env protocol.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Event == protocol.AgentSessionCreated {
			var payload protocol.SessionCreatedPayload
			if json.Unmarshal(env.Content, &payload) == nil {
				sender.setSession(payload.SessionID)
			}
		}
		program.Send(tui.EnvelopeMsg{Env: &env})
	}
}

// wsSender serializes outbound writes on the shared socket and stamps the
// session id once the server announces it.
type wsSender struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
}

func (s *wsSender) setSession(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

func (s *wsSender) Send(event string, content any) error {
	env := &protocol.Envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
	}
	if content != nil {
		data, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("marshal %s content: %w", event, err)
		}
		env.Content = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	env.SessionID = s.sessionID

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
