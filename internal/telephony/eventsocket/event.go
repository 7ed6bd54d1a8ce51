// Package eventsocket connects to a softswitch event socket, parses its
// plain-text event stream and exposes call control commands (answer, hangup,
// transfer, originate).
package eventsocket

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// Event is one parsed frame from the socket: a block of "Key: Value" headers
// terminated by a blank line, optionally followed by a body of Content-Length
// bytes.
type Event struct {
	headers map[string]string
	body    string
}

// Get returns a header value, or "" when absent.
func (e Event) Get(key string) string { return e.headers[key] }

// Name returns the event name, or the content type for protocol frames
// (auth/request, command/reply) that carry no Event-Name.
func (e Event) Name() string {
	if n := e.headers["Event-Name"]; n != "" {
		return n
	}
	return e.headers["Content-Type"]
}

// UUID returns the channel identifier the event refers to.
func (e Event) UUID() string {
	if id := e.headers["Event-UUID"]; id != "" {
		return id
	}
	return e.headers["Unique-ID"]
}

// Body returns the event body, if any.
func (e Event) Body() string { return e.body }

// ReadEvent parses the next event frame from r. It blocks until a full frame
// is available and returns io.EOF when the connection is gone.
func ReadEvent(r *bufio.Reader) (Event, error) {
	e := Event{headers: make(map[string]string)}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(e.headers) == 0 {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("eventsocket: read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(e.headers) == 0 {
				// Skip leading blank lines between frames.
				continue
			}
			break
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return Event{}, fmt.Errorf("eventsocket: malformed header line %q", line)
		}
		e.headers[strings.TrimSpace(key)] = decodeValue(strings.TrimSpace(value))
	}

	if cl := e.headers["Content-Length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return Event{}, fmt.Errorf("eventsocket: bad Content-Length %q: %w", cl, err)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return Event{}, fmt.Errorf("eventsocket: read body: %w", err)
		}
		e.body = string(body)
	}
	return e, nil
}

// decodeValue undoes the percent encoding the softswitch applies to header
// values. Literal "+" is kept as-is: caller numbers arrive in E.164 form.
func decodeValue(v string) string {
	if !strings.Contains(v, "%") {
		return v
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return v
	}
	return decoded
}
