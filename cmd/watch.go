package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/agentfleet/internal/domain"
)

func newWatchCommand() *cobra.Command {
	var server string
	var raw bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail live fleet events from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := eventsURL(server)
			if err != nil {
				return err
			}
			return watch(addr, raw, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "http://localhost:8080", "server base URL")
	cmd.Flags().BoolVar(&raw, "json", false, "print raw JSON events")
	return cmd
}

// eventsURL turns a server base URL into its WebSocket events endpoint.
func eventsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/events"
	return u.String(), nil
}

func watch(addr string, raw bool, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			if raw {
				fmt.Fprintln(out, string(data))
				continue
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				fmt.Fprintf(out, "unreadable event: %v\n", err)
				continue
			}
			fmt.Fprintln(out, FormatEvent(ev))
		}
	}()

	select {
	case err := <-done:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil
		}
		return fmt.Errorf("connection lost: %w", err)
	case <-interrupt:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return nil
	}
}

// FormatEvent renders ev as one human readable line.
func FormatEvent(ev domain.Event) string {
	ts := time.UnixMilli(ev.Ts).Format("15:04:05")
	switch ev.Type {
	case domain.EventTypeSnapshot:
		return fmt.Sprintf("%s snapshot     %d agents", ts, len(ev.Agents))
	case domain.EventTypeAgentUpserted:
		if ev.Agent == nil {
			return fmt.Sprintf("%s upserted     %s", ts, ev.AgentID)
		}
		line := fmt.Sprintf("%s upserted     %s [%s] %s", ts, ev.AgentID, ev.Agent.Platform, ev.Agent.Status)
		if ev.Agent.CurrentTask != "" {
			line += " task=" + ev.Agent.CurrentTask
		}
		if ev.Agent.LastError != "" {
			line += " error=" + ev.Agent.LastError
		}
		return line
	case domain.EventTypeAgentRemoved:
		return fmt.Sprintf("%s removed      %s", ts, ev.AgentID)
	case domain.EventTypeCommandResult:
		if ev.Outcome == nil {
			return fmt.Sprintf("%s result       %s", ts, ev.AgentID)
		}
		line := fmt.Sprintf("%s result       %s %s -> %s", ts, ev.AgentID, ev.Outcome.Action, ev.Outcome.Status)
		if ev.Outcome.Error != "" {
			line += " error=" + ev.Outcome.Error
		}
		return line
	case domain.EventTypePolicyDenied:
		if ev.Assessment == nil {
			return fmt.Sprintf("%s denied       %s", ts, ev.AgentID)
		}
		return fmt.Sprintf("%s denied       %s %s risk=%d %s", ts, ev.AgentID, ev.Assessment.Action, ev.Assessment.RiskLevel, ev.Assessment.Reason)
	}
	return fmt.Sprintf("%s %s %s", ts, ev.Type, ev.AgentID)
}
