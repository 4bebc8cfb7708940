package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"time"

	"github.com/kilnrun/kiln/internal/errs"
)

// Client is a thin connection to a running daemon's socket, used by the
// attached-mode CLI to drive or observe a detached run.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
}

// Dial connects to the daemon listening at socketPath. A missing socket
// or a refused connection means no daemon is running for this workspace.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, errs.Wrap(errs.RuntimeUnavailable, err, "connecting to daemon socket %s", socketPath)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Client{conn: conn, scanner: scanner, enc: json.NewEncoder(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send writes one command, newline-terminated.
func (c *Client) Send(cmd Command) error {
	return c.enc.Encode(cmd)
}

// Recv blocks for the next message, skipping any malformed lines the
// daemon or an intermediate proxy might produce.
func (c *Client) Recv() (Message, bool) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		return msg, true
	}
	return Message{}, false
}

// Messages returns a channel streaming every decoded message until the
// connection closes. The channel is closed when Recv stops returning
// messages.
func (c *Client) Messages() <-chan Message {
	ch := make(chan Message)
	go func() {
		defer close(ch)
		for {
			msg, ok := c.Recv()
			if !ok {
				return
			}
			ch <- msg
		}
	}()
	return ch
}
