package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/ksi/internal/config"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// sendCmd is the wire-level client: one event in, one response out. Async
// notifications arriving before the correlated response are printed too.
func sendCmd() *cobra.Command {
	var (
		dataJSON string
		socket   string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <event>",
		Short: "Send one event to a running daemon and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return err
				}
				socket = cfg.SocketPath()
			}
			return send(socket, args[0], dataJSON, timeout)
		},
	}
	cmd.Flags().StringVarP(&dataJSON, "data", "d", "{}", "event payload as JSON")
	cmd.Flags().StringVar(&socket, "socket", "", "daemon socket path (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "response wait limit")
	return cmd
}

func send(socket, event, dataJSON string, timeout time.Duration) error {
	var payload json.RawMessage
	if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
		return fmt.Errorf("invalid --data JSON: %w", err)
	}

	conn, err := net.DialTimeout("unix", socket, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", socket, err)
	}
	defer conn.Close()

	corr := uuid.NewString()
	frame, err := json.Marshal(protocol.Request{
		Event:         event,
		Data:          payload,
		CorrelationID: corr,
	})
	if err != nil {
		return err
	}
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var resp protocol.Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		pretty, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(pretty))
		if resp.CorrelationID == corr && resp.Event == "" {
			if resp.Status == protocol.StatusError {
				os.Exit(1)
			}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return fmt.Errorf("connection closed before response")
}
