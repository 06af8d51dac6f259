package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veidt/patchtap/capture"
	"github.com/veidt/patchtap/envelope"
)

// Session relays one accepted client connection to the upstream patch
// service, recording every chunk in both directions before forwarding it
// unmodified. The relay is fully passive: bytes are never altered,
// reordered, or synthesized.
type Session struct {
	ID           uint64
	Client       net.Conn
	UpstreamAddr string

	// Log may be nil, which degrades the session to a pure relay.
	Log *capture.Log

	DialTimeout time.Duration
	IdleTimeout time.Duration

	// HaltOnLogError closes the session when a capture write fails instead
	// of continuing without capture.
	HaltOnLogError bool

	Logger zerolog.Logger
}

// Run dials the upstream and forwards both directions until either leg
// sees EOF or an error. It returns once both legs are closed. A dial
// failure closes the inbound connection without relaying anything.
func (s *Session) Run(ctx context.Context) {
	logger := s.Logger.With().
		Uint64("conn_id", s.ID).
		Str("remote", s.Client.RemoteAddr().String()).
		Logger()

	dialer := net.Dialer{Timeout: s.DialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", s.UpstreamAddr)
	if err != nil {
		logger.Error().Err(err).Str("upstream", s.UpstreamAddr).Msg("upstream dial failed")
		s.Client.Close()
		return
	}
	if tc, ok := upstream.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	logger.Debug().Str("upstream", upstream.RemoteAddr().String()).Msg("relaying connection")

	// Closing both legs exactly once is what unblocks the opposite
	// direction's pending read and tears the session down.
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			s.Client.Close()
			upstream.Close()
		})
	}
	defer closeBoth()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.forward(s.Client, upstream, capture.ClientToServer, closeBoth, logger)
	}()
	go func() {
		defer wg.Done()
		s.forward(upstream, s.Client, capture.ServerToClient, closeBoth, logger)
	}()
	wg.Wait()

	logger.Debug().Msg("session closed")
}

// forward runs one direction of the relay. Each chunk is recorded first,
// then written to the destination, so the capture order matches the wire
// order within this direction.
func (s *Session) forward(src, dst net.Conn, dir capture.Direction, closeBoth func(), logger zerolog.Logger) {
	defer closeBoth()

	logger = logger.With().Stringer("direction", dir).Logger()
	bufPtr := getReadBuffer()
	defer putReadBuffer(bufPtr)
	buf := *bufPtr

	capLog := s.Log
	var seq uint64
	for {
		if s.IdleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if capLog != nil {
				frame := capture.Frame{
					ConnID:    s.ID,
					Direction: dir,
					Seq:       seq,
					Time:      time.Now(),
					Data:      chunk,
				}
				var env *envelope.Envelope
				if dir == capture.ClientToServer {
					if e, ok := envelope.Decode(chunk); ok {
						env = &e
					}
				}
				if rerr := capLog.Record(frame, env); rerr != nil {
					if s.HaltOnLogError {
						logger.Error().Err(rerr).Msg("capture write failed, closing session")
						return
					}
					logger.Warn().Err(rerr).Msg("capture write failed, continuing without capture")
					capLog = nil
				}
			}
			seq++
			if _, werr := dst.Write(chunk); werr != nil {
				logger.Debug().Err(werr).Msg("write to peer failed")
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug().Msg("closed by peer")
			case errors.Is(err, os.ErrDeadlineExceeded):
				logger.Debug().Dur("idle_timeout", s.IdleTimeout).Msg("idle timeout")
			case errors.Is(err, net.ErrClosed):
				// other direction tore the session down first
			default:
				logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
	}
}
