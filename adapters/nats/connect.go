package nats

import (
	"log/slog"
	"os"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// Connector opens a connection and returns the function releasing it.
type Connector func() (nc *natsgo.Conn, release func(), err error)

type connectOptions struct {
	name          string
	maxReconnects int
	reconnectWait time.Duration
	log           *slog.Logger
}

type ConnectOption func(*connectOptions)

// WithName sets the client name shown by the server, the member name
// usually.
func WithName(name string) ConnectOption {
	return func(o *connectOptions) { o.name = name }
}

// WithReconnect sets how often and how fast a lost connection is retried.
// Negative attempts retry forever.
func WithReconnect(attempts int, wait time.Duration) ConnectOption {
	return func(o *connectOptions) { o.maxReconnects, o.reconnectWait = attempts, wait }
}

// WithLogger logs disconnects and reconnects.
func WithLogger(log *slog.Logger) ConnectOption {
	return func(o *connectOptions) { o.log = log }
}

// ConnectURL dials url on every call.
func ConnectURL(url string, opts ...ConnectOption) Connector {
	o := connectOptions{maxReconnects: 3, reconnectWait: 2 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	natsOpts := []natsgo.Option{
		natsgo.MaxReconnects(o.maxReconnects),
		natsgo.ReconnectWait(o.reconnectWait),
	}
	if o.name != "" {
		natsOpts = append(natsOpts, natsgo.Name(o.name))
	}
	if log := o.log; log != nil {
		natsOpts = append(natsOpts,
			natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
				log.Warn("nats disconnected", slog.Any("error", err))
			}),
			natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
				log.Info("nats reconnected", slog.String("url", nc.ConnectedUrlRedacted()))
			}),
		)
	}
	return func() (*natsgo.Conn, func(), error) {
		nc, err := natsgo.Connect(url, natsOpts...)
		if err != nil {
			return nil, nil, err
		}
		return nc, nc.Close, nil
	}
}

// ConnectDefault dials $NATS_URL, or the local default server.
func ConnectDefault() Connector {
	if url := os.Getenv("NATS_URL"); url != "" {
		return ConnectURL(url)
	}
	return ConnectURL(natsgo.DefaultURL)
}

// shared is one connection leased to many users.
type shared struct {
	connect Connector

	mu      sync.Mutex
	nc      *natsgo.Conn
	release func()
	leases  int
}

func (s *shared) lease() (*natsgo.Conn, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil {
		nc, release, err := s.connect()
		if err != nil {
			return nil, nil, err
		}
		s.nc, s.release = nc, release
	}
	s.leases++
	var once sync.Once
	return s.nc, func() { once.Do(s.unlease) }, nil
}

func (s *shared) unlease() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases--
	if s.leases == 0 {
		s.release()
		s.nc, s.release = nil, nil
	}
}

// ReuseConnection shares one connection between all callers. It closes
// once every lease is released and is reopened by the next call.
func ReuseConnection(connect Connector) Connector {
	return (&shared{connect: connect}).lease
}
