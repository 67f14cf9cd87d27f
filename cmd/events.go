package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gofer/pkg/protocol"
)

func eventsCmd() *cobra.Command {
	var (
		wsURL  string
		token  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the gateway's event feed",
		Long: "Connects to a running gateway's WebSocket endpoint and prints every\n" +
			"event frame: orchestration progress, finished runs, agent session\n" +
			"activity, and health ticks. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tailEvents(wsURL, token, asJSON)
		},
	}

	cmd.Flags().StringVar(&wsURL, "url", "", "WebSocket URL (default derived from the configured gateway address)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default GOFER_GATEWAY_TOKEN)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw frames, one JSON object per line")
	return cmd
}

func tailEvents(wsURL, token string, asJSON bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if wsURL == "" {
		addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
		wsURL = "ws://" + addr + protocol.RouteWS
	}
	if token == "" {
		token = cfg.Gateway.Token
	}
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return fmt.Errorf("dial %s: %w (is the gateway running?)", wsURL, err)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	fmt.Fprintf(os.Stderr, "connected to %s\n", wsURL)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				fmt.Fprintln(os.Stderr, "gateway closed the stream")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if asJSON {
			fmt.Println(string(data))
			continue
		}
		printFrame(data)
	}
}

// printFrame renders one event frame as a single human-readable line. Frames
// that do not decode are printed raw rather than dropped.
func printFrame(data []byte) {
	var frame protocol.EventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		fmt.Println(string(data))
		return
	}
	line := frame.Time.Format("15:04:05") + "  " + frame.Event
	if frame.Payload != nil {
		if body, err := json.Marshal(frame.Payload); err == nil {
			line += "  " + string(body)
		}
	}
	fmt.Println(line)
}
