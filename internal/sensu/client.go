package sensu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
)

const (
	// CheckName is the name of the check as seen by Sensu.
	CheckName   = "ansible-pull"
	dialTimeout = 5 * time.Second
)

// Event is the check result accepted by the Sensu client socket.
type Event struct {
	Name   string       `json:"name"`
	Status model.Status `json:"status"`
	Output string       `json:"output"`
}

// Client sends check results to the local Sensu client socket. Every event
// uses its own connection.
type Client struct {
	address string
	enabled bool
}

func NewClient(address string, enabled bool) Client {
	if address == "" {
		address = model.DefaultSensuAddress
	}
	return Client{address: address, enabled: enabled}
}

// Send delivers the event and reports whether it succeeded. Failures are
// logged only. A disabled client logs the event and reports success.
func (c Client) Send(ctx context.Context, status model.Status, output string) bool {
	event := Event{
		Name:   CheckName,
		Status: status,
		Output: output,
	}

	if !c.enabled {
		slog.InfoContext(ctx, "skipping sensu event", "event", event)
		return true
	}

	slog.DebugContext(ctx, "sending sensu event", "event", event, "address", c.address)
	if err := c.send(ctx, event); err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			slog.ErrorContext(ctx, "sending sensu event failed: connection refused", "address", c.address)
		} else {
			slog.ErrorContext(ctx, "sending sensu event failed", "address", c.address, "error", err)
		}
		return false
	}
	return true
}

func (c Client) send(ctx context.Context, event Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(event); err != nil { // Encode adds the trailing newline
		return fmt.Errorf("encoding event: %w", err)
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(buf.Bytes())
	return err
}
