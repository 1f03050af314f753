package protocol

import (
	"fmt"

	"github.com/nczempin/httpd-go-epoll/errors"
	"github.com/nczempin/httpd-go-epoll/transport"
)

const (
	// DefaultReadBufferSize bounds a single head line
	DefaultReadBufferSize = 8 * 1024
	// DefaultMaxBodyBytes bounds the body buffer allocated from Content-Length
	DefaultMaxBodyBytes = 2 * 1024 * 1024
)

// State of a Connection
type State int

const (
	StateReadingHeaders State = iota
	StateReadingBody
	StateReadyToWrite
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReadingHeaders:
		return "reading-headers"
	case StateReadingBody:
		return "reading-body"
	case StateReadyToWrite:
		return "ready-to-write"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Connection reads exactly one request from a non-blocking socket and writes
// one response back. It is not safe for concurrent use.
type Connection struct {
	sock  transport.Socket
	state State

	// head buffer: buf[start:end] holds bytes not yet consumed as lines
	buf   []byte
	start int
	end   int
	lines []string

	maxBody int
	body    []byte
	bodyLen int

	request *Request
	pending []byte
}

// NewConnection wraps an accepted socket. bufSize bounds the head buffer
// and maxBody the declared Content-Length; zero selects the defaults.
func NewConnection(sock transport.Socket, bufSize, maxBody int) *Connection {
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Connection{
		sock:    sock,
		state:   StateReadingHeaders,
		buf:     make([]byte, bufSize),
		maxBody: maxBody,
	}
}

func (c *Connection) State() State {
	return c.state
}

func (c *Connection) Fd() int {
	return c.sock.Fd()
}

// Request returns the parsed request once the connection is ready to write,
// nil before that or when the head was rejected.
func (c *Connection) Request() *Request {
	if c.state != StateReadyToWrite {
		return nil
	}
	return c.request
}

// ReadStep drains every byte currently available on the socket and advances
// the state machine. Protocol errors carry the status to answer with;
// transport errors mean the connection must be dropped.
func (c *Connection) ReadStep() error {
	for {
		switch c.state {
		case StateReadingHeaders:
			n, err := c.sock.Read(c.buf[c.end:])
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			c.end += n
			if err := c.consumeLines(); err != nil {
				return err
			}

		case StateReadingBody:
			n, err := c.sock.Read(c.body[c.bodyLen:])
			if err != nil {
				return err
			}
			c.bodyLen += n
			if c.bodyLen == len(c.body) {
				c.finishBody()
				return nil
			}
			if n == 0 {
				return nil
			}

		case StateReadyToWrite, StateClosed:
			return nil

		default:
			panic(fmt.Sprintf("unknown connection state %d", c.state))
		}
	}
}

// consumeLines extracts complete CRLF lines from the head buffer. An empty
// line ends the head. A partial line is moved to the front of the buffer;
// if it alone fills the buffer the head is rejected.
func (c *Connection) consumeLines() error {
	cur := c.start
	for cur+1 < c.end {
		if c.buf[cur] != '\r' || c.buf[cur+1] != '\n' {
			cur++
			continue
		}

		if cur == c.start {
			c.start = cur + 2
			return c.endOfHead()
		}

		c.lines = append(c.lines, string(c.buf[c.start:cur]))
		c.start = cur + 2
		cur = c.start
	}

	if c.start == 0 && c.end == len(c.buf) {
		return errors.NewProtocolError(
			errors.ProtocolErrorHeaderLineTooLong,
			fmt.Sprintf("head line exceeds %d bytes", len(c.buf)),
		)
	}

	if c.start > 0 {
		c.end = copy(c.buf, c.buf[c.start:c.end])
		c.start = 0
	}
	return nil
}

func (c *Connection) endOfHead() error {
	req, length, err := parseHead(c.lines, c.maxBody)
	if err != nil {
		return err
	}
	c.request = req
	c.lines = nil

	if length == 0 {
		c.state = StateReadyToWrite
		return nil
	}

	// Bytes past Content-Length are discarded
	c.body = make([]byte, length)
	c.bodyLen = copy(c.body, c.buf[c.start:c.end])
	c.start, c.end = 0, 0
	c.state = StateReadingBody
	if c.bodyLen == length {
		c.finishBody()
	}
	return nil
}

func (c *Connection) finishBody() {
	c.request.body = c.body
	c.body = nil
	c.state = StateReadyToWrite
}

// SetResponse serializes resp as the pending bytes for WriteStep. It is
// also used to answer a request that failed to parse, so the connection
// becomes ready to write whatever state it was in.
func (c *Connection) SetResponse(resp *Response) {
	c.pending = resp.Bytes()
	if c.state != StateClosed {
		c.state = StateReadyToWrite
	}
}

// WriteStep makes a single write attempt of the pending response, then
// closes the connection. A short write is not retried; written < total
// reports it.
func (c *Connection) WriteStep() (written, total int, err error) {
	total = len(c.pending)
	written, err = c.sock.Write(c.pending)
	c.pending = nil
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return written, total, err
}

// Close transitions to Closed and closes the socket. Repeated calls are
// no-ops.
func (c *Connection) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	return c.sock.Close()
}
