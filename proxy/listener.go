// Package proxy implements the transparent tap: a TCP listener that pairs
// each accepted client connection with a connection to the real patch
// service and relays bytes both ways while the capture log observes them.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/veidt/patchtap/capture"
	"github.com/veidt/patchtap/config"
)

// Proxy accepts client connections and runs one Session per connection.
type Proxy struct {
	cfg    *config.Config
	log    *capture.Log
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	connSeq  atomic.Uint64
}

// New creates a proxy. captureLog may be nil when capture is disabled.
func New(cfg *config.Config, captureLog *capture.Log, logger zerolog.Logger) *Proxy {
	return &Proxy{
		cfg:    cfg,
		log:    captureLog,
		logger: logger.With().Str("com", "proxy").Logger(),
	}
}

// Addr returns the bound listen address, or nil before Serve has bound it.
// Useful with a configured port of 0.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Serve binds the listen address and accepts connections until ctx is
// cancelled. Each connection is relayed concurrently; shutdown stops
// accepting but lets in-flight sessions drain on their own so captures are
// not truncated mid-stream.
func (p *Proxy) Serve(ctx context.Context) error {
	lc := net.ListenConfig{
		Control: setSocketOptions,
	}
	listener, err := lc.Listen(ctx, "tcp", p.cfg.Listen.Addr())
	if err != nil {
		return fmt.Errorf("listen TCP: %w", err)
	}
	p.mu.Lock()
	p.listener = listener
	p.mu.Unlock()

	p.logger.Info().
		Str("listen", listener.Addr().String()).
		Str("upstream", p.cfg.Upstream.Addr()).
		Msg("tap listening")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				p.logger.Info().Msg("listener stopped")
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				p.logger.Error().Err(err).Msg("accept failed")
				continue
			}
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		sess := &Session{
			ID:             p.connSeq.Add(1),
			Client:         conn,
			UpstreamAddr:   p.cfg.Upstream.Addr(),
			Log:            p.log,
			DialTimeout:    p.cfg.DialTimeout,
			IdleTimeout:    p.cfg.IdleTimeout,
			HaltOnLogError: p.cfg.Capture.HaltOnError(),
			Logger:         p.logger,
		}
		p.logger.Debug().
			Uint64("conn_id", sess.ID).
			Str("remote", conn.RemoteAddr().String()).
			Msg("new client connection")
		go sess.Run(ctx)
	}
}
