package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	KeyPrefix   string
	PoolSize    int
	DialTimeout time.Duration
	IOTimeout   time.Duration
	TLS         bool
}

func (c *ValkeyConfig) normalise() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 500 * time.Millisecond
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
}

// ValkeyProvider implements Provider over RESP2 with a small idle-connection pool.
type ValkeyProvider struct {
	cfg  ValkeyConfig
	idle chan *respConn
}

// NewValkeyProvider dials the server once and pings it so bad addresses or
// credentials fail at startup.
func NewValkeyProvider(ctx context.Context, cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	cfg.normalise()
	p := &ValkeyProvider{cfg: cfg, idle: make(chan *respConn, cfg.PoolSize)}

	reply, err := p.do(ctx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if reply.str != "PONG" {
		return nil, fmt.Errorf("valkey ping: unexpected reply %q", reply.str)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", p.key(key))
	if err != nil {
		return nil, err
	}
	if reply.null {
		return nil, ErrCacheMiss
	}
	return reply.bulk, nil
}

// Set stores bytes with the provided TTL; zero means no expiry.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", p.key(key), string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := p.do(ctx, args...)
	if err != nil {
		return err
	}
	if reply.str != "OK" {
		return fmt.Errorf("valkey SET: unexpected reply %q", reply.str)
	}
	return nil
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", p.key(key))
	return err
}

// Close drains and closes pooled connections.
func (p *ValkeyProvider) Close() error {
	for {
		select {
		case c := <-p.idle:
			_ = c.conn.Close()
		default:
			return nil
		}
	}
}

func (p *ValkeyProvider) key(k string) string {
	return p.cfg.KeyPrefix + k
}

// do runs one command on a pooled connection. Connections that saw an I/O
// error are discarded rather than returned to the pool.
func (p *ValkeyProvider) do(ctx context.Context, args ...string) (respValue, error) {
	c, err := p.acquire(ctx)
	if err != nil {
		return respValue{}, err
	}
	reply, err := c.roundTrip(ctx, p.cfg.IOTimeout, args...)
	var serverErr respError
	if err != nil && !errors.As(err, &serverErr) {
		_ = c.conn.Close()
		return respValue{}, err
	}
	p.release(c)
	return reply, err
}

func (p *ValkeyProvider) acquire(ctx context.Context) (*respConn, error) {
	select {
	case c := <-p.idle:
		return c, nil
	default:
	}

	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host, _, splitErr := net.SplitHostPort(p.cfg.Addr)
		if splitErr != nil {
			host = p.cfg.Addr
		}
		td := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("valkey dial: %w", err)
	}

	c := &respConn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	if err := p.handshake(ctx, c); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (p *ValkeyProvider) handshake(ctx context.Context, c *respConn) error {
	if p.cfg.Password != "" {
		args := []string{"AUTH", p.cfg.Password}
		if p.cfg.Username != "" {
			args = []string{"AUTH", p.cfg.Username, p.cfg.Password}
		}
		if _, err := c.roundTrip(ctx, p.cfg.IOTimeout, args...); err != nil {
			return fmt.Errorf("valkey auth: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if _, err := c.roundTrip(ctx, p.cfg.IOTimeout, "SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			return fmt.Errorf("valkey select: %w", err)
		}
	}
	return nil
}

func (p *ValkeyProvider) release(c *respConn) {
	select {
	case p.idle <- c:
	default:
		_ = c.conn.Close()
	}
}

// respError is an error reply sent by the server; the connection stays usable.
type respError string

func (e respError) Error() string { return string(e) }

type respValue struct {
	str  string
	bulk []byte
	num  int64
	null bool
}

type respConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func (c *respConn) roundTrip(ctx context.Context, timeout time.Duration, args ...string) (respValue, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return respValue{}, err
	}

	fmt.Fprintf(c.w, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(c.w, "$%d\r\n%s\r\n", len(a), a)
	}
	if err := c.w.Flush(); err != nil {
		return respValue{}, err
	}
	return c.read()
}

func (c *respConn) read() (respValue, error) {
	line, err := c.line()
	if err != nil {
		return respValue{}, err
	}
	if len(line) == 0 {
		return respValue{}, errors.New("valkey: empty reply line")
	}
	body := line[1:]
	switch line[0] {
	case '+':
		return respValue{str: body}, nil
	case '-':
		return respValue{}, respError(body)
	case ':':
		n, err := strconv.ParseInt(body, 10, 64)
		return respValue{num: n}, err
	case '$':
		size, err := strconv.Atoi(body)
		if err != nil {
			return respValue{}, fmt.Errorf("valkey: bad bulk length %q", body)
		}
		if size < 0 {
			return respValue{null: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return respValue{}, err
		}
		return respValue{bulk: buf[:size]}, nil
	default:
		return respValue{}, fmt.Errorf("valkey: unexpected reply prefix %q", line[0])
	}
}

func (c *respConn) line() (string, error) {
	s, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(s) >= 2 && s[len(s)-2] == '\r' {
		return s[:len(s)-2], nil
	}
	return s[:len(s)-1], nil
}
