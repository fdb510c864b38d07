// Package dap defines Debug Adapter Protocol messages and transports for
// the adapter side of a debug session.
package dap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Transport represents a DAP transport layer.
type Transport interface {
	// Send sends a message to the client.
	Send(msg *Message) error

	// Receive receives a message from the client.
	Receive() (*Message, error)

	// Close closes the transport.
	Close() error
}

// Message represents a DAP message with headers and content.
type Message struct {
	// ContentLength is the length of the content.
	ContentLength int

	// ContentType is the MIME type (optional).
	ContentType string

	// Content is the JSON content.
	Content json.RawMessage
}

// StdioTransport implements Transport over the adapter's own stdin/stdout.
type StdioTransport struct {
	in     io.ReadCloser
	out    io.WriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewStdioTransport creates a transport reading requests from in and
// writing responses/events to out.
func NewStdioTransport(in io.ReadCloser, out io.WriteCloser) *StdioTransport {
	return &StdioTransport{
		in:     in,
		out:    out,
		reader: bufio.NewReader(in),
	}
}

// Send sends a message to the client.
func (t *StdioTransport) Send(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return writeMessage(t.out, msg)
}

// Receive receives a message from the client.
func (t *StdioTransport) Receive() (*Message, error) {
	return readMessage(t.reader)
}

// Close closes both ends of the transport.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.in.Close()
	return t.out.Close()
}

// SocketTransport carries framed messages over a TCP connection.
type SocketTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewSocketTransport dials the client at the given address. Used when the
// adapter is started in reverse-connect mode.
func NewSocketTransport(address string) (*SocketTransport, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	return &SocketTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}, nil
}

// NewSocketTransportFromConn creates a socket transport from an accepted
// connection.
func NewSocketTransportFromConn(conn net.Conn) *SocketTransport {
	return &SocketTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Send writes one framed message to the connection.
func (t *SocketTransport) Send(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return writeMessage(t.conn, msg)
}

// Receive reads the next framed message from the connection.
func (t *SocketTransport) Receive() (*Message, error) {
	return readMessage(t.reader)
}

// Close closes the connection.
func (t *SocketTransport) Close() error {
	return t.conn.Close()
}

// writeMessage frames one message: CRLF-terminated headers, a blank
// line, then the JSON body.
func writeMessage(w io.Writer, msg *Message) error {
	headers := fmt.Sprintf("Content-Length: %d\r\n", len(msg.Content))
	if msg.ContentType != "" {
		headers += fmt.Sprintf("Content-Type: %s\r\n", msg.ContentType)
	}
	headers += "\r\n"

	if _, err := w.Write([]byte(headers)); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}

	if _, err := w.Write(msg.Content); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}

	return nil
}

// MaxContentLength caps the body of a single framed message at 10MB. A
// length past the cap means the stream is corrupt or hostile.
const MaxContentLength = 10 * 1024 * 1024

// readMessage parses one framed message off the reader. Header names
// are matched case-insensitively; unknown headers are ignored.
func readMessage(r *bufio.Reader) (*Message, error) {
	var contentLength int
	var contentType string

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read frame header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // blank line terminates the header block
		}

		parts := strings.SplitN(line, ": ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed header line %q", line)
		}

		switch strings.ToLower(parts[0]) {
		case "content-length":
			length, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("bad Content-Length %q: %w", parts[1], err)
			}
			if length < 0 || length > MaxContentLength {
				return nil, fmt.Errorf("refusing %d-byte message, limit is %d", length, MaxContentLength)
			}
			contentLength = length
		case "content-type":
			contentType = parts[1]
		}
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("frame has no Content-Length header")
	}

	content := make([]byte, contentLength)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return &Message{
		ContentLength: contentLength,
		ContentType:   contentType,
		Content:       content,
	}, nil
}

// RawTransport frames messages over an arbitrary io.ReadWriteCloser.
// Useful for in-process pipes and tests.
type RawTransport struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewRawTransport creates a transport over the given stream.
func NewRawTransport(rwc io.ReadWriteCloser) *RawTransport {
	return &RawTransport{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

// Send writes one framed message to the stream.
func (t *RawTransport) Send(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return writeMessage(t.rwc, msg)
}

// Receive reads the next framed message from the stream.
func (t *RawTransport) Receive() (*Message, error) {
	return readMessage(t.reader)
}

// Close closes the underlying stream.
func (t *RawTransport) Close() error {
	return t.rwc.Close()
}
