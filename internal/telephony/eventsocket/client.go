package eventsocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/telfon-ai/telfon/internal/config"
)

// Well-known event names.
const (
	EventChannelCreate = "CHANNEL_CREATE"
	EventChannelAnswer = "CHANNEL_ANSWER"
	EventChannelHangup = "CHANNEL_HANGUP"
	EventDTMF          = "DTMF"
	eventAuthRequest   = "auth/request"
	eventCommandReply  = "command/reply"
	eventAPIResponse   = "api/response"
)

// ErrCommandFailed is returned when the switch rejects a command.
var ErrCommandFailed = errors.New("eventsocket: command failed")

// HandlerFunc consumes one event. Handlers run on the read loop goroutine
// and must not block.
type HandlerFunc func(Event)

// Client is a long-lived event socket session. Commands are serialised: the
// read loop routes command replies to the single in-flight command.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
	log  *slog.Logger

	writeMu sync.Mutex
	replies chan Event

	handlerMu sync.RWMutex
	handlers  map[string][]HandlerFunc
}

// Dial connects and authenticates against the event socket, then subscribes
// to the plain event stream. Run must be called to start event dispatch.
func Dial(ctx context.Context, cfg config.EventSocketConfig, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("eventsocket: dial %s: %w", cfg.Addr, err)
	}

	c := &Client{
		conn:     conn,
		br:       bufio.NewReader(conn),
		log:      log,
		replies:  make(chan Event, 1),
		handlers: make(map[string][]HandlerFunc),
	}

	greeting, err := ReadEvent(c.br)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if greeting.Name() != eventAuthRequest {
		conn.Close()
		return nil, fmt.Errorf("eventsocket: expected auth request, got %q", greeting.Name())
	}
	if err := c.write("auth " + cfg.Password); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := ReadEvent(c.br)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !strings.HasPrefix(reply.Get("Reply-Text"), "+OK") {
		conn.Close()
		return nil, fmt.Errorf("%w: auth rejected: %s", ErrCommandFailed, reply.Get("Reply-Text"))
	}

	if err := c.write("event plain ALL"); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err = ReadEvent(c.br)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !strings.HasPrefix(reply.Get("Reply-Text"), "+OK") {
		conn.Close()
		return nil, fmt.Errorf("%w: event subscription rejected: %s", ErrCommandFailed, reply.Get("Reply-Text"))
	}

	log.Info("event socket connected", "addr", cfg.Addr)
	return c, nil
}

// On registers a handler for an event name. Safe to call while Run is active.
func (c *Client) On(event string, fn HandlerFunc) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

// Run reads events until the context is cancelled or the connection drops,
// dispatching each to the handlers registered for its name.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		e, err := ReadEvent(c.br)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("eventsocket: read loop: %w", err)
		}

		name := e.Name()
		if name == eventCommandReply || name == eventAPIResponse {
			select {
			case c.replies <- e:
			default:
				c.log.Warn("unsolicited command reply dropped")
			}
			continue
		}

		c.handlerMu.RLock()
		handlers := c.handlers[name]
		c.handlerMu.RUnlock()
		for _, fn := range handlers {
			fn(e)
		}
	}
}

// Answer instructs the switch to answer a ringing channel.
func (c *Client) Answer(ctx context.Context, uuid string) error {
	return c.api(ctx, "uuid_answer "+uuid)
}

// Hangup terminates a channel with the given cause (empty for normal
// clearing).
func (c *Client) Hangup(ctx context.Context, uuid, cause string) error {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	return c.api(ctx, fmt.Sprintf("uuid_kill %s %s", uuid, cause))
}

// Transfer blind-transfers a channel to the given destination number.
func (c *Client) Transfer(ctx context.Context, uuid, destination string) error {
	return c.api(ctx, fmt.Sprintf("uuid_transfer %s %s", uuid, destination))
}

// Originate places an outbound call from the given caller id to the
// destination and returns the new channel UUID.
func (c *Client) Originate(ctx context.Context, to, from string) (string, error) {
	reply, err := c.command(ctx, fmt.Sprintf("api originate {origination_caller_id_number=%s}sofia/gateway/default/%s &park()", from, to))
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(reply.Body())
	if !strings.HasPrefix(body, "+OK") {
		return "", fmt.Errorf("%w: originate to %s: %s", ErrCommandFailed, to, body)
	}
	return strings.TrimSpace(strings.TrimPrefix(body, "+OK")), nil
}

// Close tears down the socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) api(ctx context.Context, cmd string) error {
	reply, err := c.command(ctx, "api "+cmd)
	if err != nil {
		return err
	}
	body := strings.TrimSpace(reply.Body())
	if body != "" && !strings.HasPrefix(body, "+OK") {
		return fmt.Errorf("%w: %s: %s", ErrCommandFailed, cmd, body)
	}
	return nil
}

// command writes one command and waits for its reply from the read loop.
func (c *Client) command(ctx context.Context, cmd string) (Event, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.write(cmd); err != nil {
		return Event{}, err
	}
	select {
	case reply := <-c.replies:
		return reply, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (c *Client) write(cmd string) error {
	if _, err := c.conn.Write([]byte(cmd + "\n\n")); err != nil {
		return fmt.Errorf("eventsocket: write %q: %w", strings.Fields(cmd)[0], err)
	}
	return nil
}
