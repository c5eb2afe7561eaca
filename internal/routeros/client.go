package routeros

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// AttrMap is one !re reply row, attribute name to raw string value.
type AttrMap map[string]string

// Client is one authenticated API session to one router. It is not safe for
// concurrent use; the pool serializes access per router.
type Client struct {
	conn    net.Conn
	input   *bufio.Reader
	timeout time.Duration
	logger  log.Logger
	closed  bool
	broken  bool
}

// Dial opens a TCP connection to address, logs in and returns the client.
// The timeout bounds the connect and every subsequent command round-trip
// unless the per-call context carries an earlier deadline.
func Dial(ctx context.Context, address, username, password string, timeout time.Duration, logger log.Logger) (*Client, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", address, err)
	}

	c := &Client{
		conn:    conn,
		input:   bufio.NewReader(conn),
		timeout: timeout,
		logger:  logger,
	}

	if err := c.login(ctx, username, password); err != nil {
		c.conn.Close()
		return nil, err
	}
	return c, nil
}

// login speaks both RouterOS variants: post-6.43 plain credentials and the
// older MD5 challenge-response.
func (c *Client) login(ctx context.Context, username, password string) error {
	reply, err := c.roundTrip(ctx, []string{"/login"})
	if err != nil {
		return c.loginErr(err)
	}

	challenge, ok := reply.Attrs["ret"]
	if !ok {
		// Modern firmware: the bare /login completes and credentials go in
		// a second sentence.
		reply, err = c.roundTrip(ctx, []string{"/login", "=name=" + username, "=password=" + password})
		if err != nil {
			return c.loginErr(err)
		}
		if reply.Tag != "!done" {
			return &AuthError{Message: "unexpected reply " + reply.Tag}
		}
		return nil
	}

	raw, err := hex.DecodeString(challenge)
	if err != nil {
		return &AuthError{Message: "malformed challenge: " + err.Error()}
	}
	h := md5.New()
	h.Write([]byte{0})
	h.Write([]byte(password))
	h.Write(raw)
	response := "00" + hex.EncodeToString(h.Sum(nil))

	reply, err = c.roundTrip(ctx, []string{"/login", "=name=" + username, "=response=" + response})
	if err != nil {
		return c.loginErr(err)
	}
	if reply.Tag != "!done" {
		return &AuthError{Message: "unexpected reply " + reply.Tag}
	}
	if _, again := reply.Attrs["ret"]; again {
		return &AuthError{Message: "server repeated challenge"}
	}
	return nil
}

func (c *Client) loginErr(err error) error {
	var trap *TrapError
	if errors.As(err, &trap) {
		return &AuthError{Message: trap.Message}
	}
	return err
}

// roundTrip writes one sentence and reads exactly one reply sentence,
// used during login where no !re rows can occur.
func (c *Client) roundTrip(ctx context.Context, words []string) (*Sentence, error) {
	if err := c.writeSentence(ctx, words); err != nil {
		return nil, err
	}
	for {
		s, err := c.readSentence()
		if err != nil {
			return nil, err
		}
		if s == nil {
			continue
		}
		switch s.Tag {
		case "!trap":
			return nil, trapFrom(s)
		case "!fatal":
			c.broken = true
			return nil, fatalFrom(s)
		}
		return s, nil
	}
}

// Run sends a command sentence and collects the attribute map of every !re
// reply until !done. The first word is the command path, the rest are
// attribute or query words already in wire form (e.g. "=.proplist=name").
//
// A !trap mid-stream discards the collected rows but the stream is still
// drained to !done, leaving the connection reusable.
func (c *Client) Run(ctx context.Context, sentence ...string) ([]AttrMap, error) {
	if c.closed {
		return nil, &ProtocolError{Message: "client is closed"}
	}
	if c.broken {
		return nil, &ProtocolError{Message: "connection is broken"}
	}

	if err := c.writeSentence(ctx, sentence); err != nil {
		c.broken = true
		return nil, fmt.Errorf("cannot write command: %w", err)
	}

	var (
		rows []AttrMap
		trap *TrapError
	)
	for {
		s, err := c.readSentence()
		if err != nil {
			c.broken = true
			return nil, fmt.Errorf("cannot read reply: %w", err)
		}
		if s == nil {
			continue
		}
		switch s.Tag {
		case "!re":
			rows = append(rows, AttrMap(s.Attrs))
		case "!trap":
			if trap == nil {
				trap = trapFrom(s)
			}
			level.Debug(c.logger).Log("msg", "trap reply", "command", sentence[0], "err", trap.Message)
		case "!done":
			if trap != nil {
				return nil, trap
			}
			return rows, nil
		case "!fatal":
			c.broken = true
			return nil, fatalFrom(s)
		default:
			c.broken = true
			return nil, &ProtocolError{Message: "unknown reply tag " + s.Tag}
		}
	}
}

func (c *Client) writeSentence(ctx context.Context, words []string) error {
	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	return WriteSentence(c.conn, words)
}

func (c *Client) readSentence() (*Sentence, error) {
	return ReadSentence(c.input)
}

func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		d = ctxDeadline
	}
	return d
}

// Close is idempotent. A closed client may not be reused.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func trapFrom(s *Sentence) *TrapError {
	return &TrapError{Message: s.Attrs["message"], Category: s.Attrs["category"]}
}

func fatalFrom(s *Sentence) *FatalError {
	msg := s.Attrs["message"]
	if msg == "" && len(s.Words) > 0 {
		msg = s.Words[0]
	}
	return &FatalError{Message: msg}
}
