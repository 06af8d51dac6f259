package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/veidt/patchtap/capture"
)

// startUpstream runs handler for every connection accepted on a loopback
// listener and returns its address.
func startUpstream(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start upstream: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()
	return ln.Addr().String()
}

func openSessionLog(t *testing.T) (*capture.Log, string) {
	t.Helper()
	dir := t.TempDir()
	binPath := filepath.Join(dir, "traffic.bin")
	l, err := capture.Open(capture.Config{
		TextPath:   filepath.Join(dir, "traffic.log"),
		BinaryPath: binPath,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open capture log: %v", err)
	}
	return l, binPath
}

// readCaptured replays the binary log and concatenates the frame data per
// direction.
func readCaptured(t *testing.T, binPath string) (clientToServer, serverToClient []byte) {
	t.Helper()
	f, err := os.Open(binPath)
	if err != nil {
		t.Fatalf("open binary log: %v", err)
	}
	defer f.Close()

	reader := capture.NewReader(f)
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			t.Fatalf("replay binary log: %v", err)
		}
		switch rec.Direction {
		case capture.ClientToServer:
			clientToServer = append(clientToServer, rec.Data...)
		case capture.ServerToClient:
			serverToClient = append(serverToClient, rec.Data...)
		}
	}
}

// runSession connects a test client through a Session to upstreamAddr and
// returns the client side plus a channel closed when the session is done.
func runSession(t *testing.T, capLog *capture.Log, upstreamAddr string, halt bool) (net.Conn, chan struct{}) {
	t.Helper()
	clientSide, proxySide := net.Pipe()

	sess := &Session{
		ID:             1,
		Client:         proxySide,
		UpstreamAddr:   upstreamAddr,
		Log:            capLog,
		DialTimeout:    5 * time.Second,
		HaltOnLogError: halt,
		Logger:         zerolog.Nop(),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(context.Background())
	}()
	return clientSide, done
}

func TestSession_RelaysBothDirectionsInOrder(t *testing.T) {
	received := make(chan []byte, 1)
	upstreamAddr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		// Collect the client chunks, then answer with two chunks.
		buf := make([]byte, 64)
		var got []byte
		for len(got) < 3 {
			n, err := conn.Read(buf)
			if err != nil {
				t.Errorf("upstream read: %v", err)
				return
			}
			got = append(got, buf[:n]...)
		}
		received <- got
		conn.Write([]byte("X"))
		conn.Write([]byte("Y"))
	})

	capLog, binPath := openSessionLog(t)
	client, done := runSession(t, capLog, upstreamAddr, true)

	for _, chunk := range []string{"A", "B", "C"} {
		if _, err := client.Write([]byte(chunk)); err != nil {
			t.Fatalf("client write %q: %v", chunk, err)
		}
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, []byte("ABC")) {
			t.Errorf("upstream received %q, want ABC", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received the client bytes")
	}

	answer := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, answer); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(answer, []byte("XY")) {
		t.Errorf("client received %q, want XY", answer)
	}

	client.Close()
	<-done
	if err := capLog.Close(); err != nil {
		t.Fatalf("close capture log: %v", err)
	}

	c2s, s2c := readCaptured(t, binPath)
	if !bytes.Equal(c2s, []byte("ABC")) {
		t.Errorf("captured client->server %q, want ABC", c2s)
	}
	if !bytes.Equal(s2c, []byte("XY")) {
		t.Errorf("captured server->client %q, want XY", s2c)
	}
}

func TestSession_UpstreamCloseClosesClient(t *testing.T) {
	upstreamAddr := startUpstream(t, func(conn net.Conn) {
		conn.Write([]byte("bye"))
		conn.Close()
	})

	capLog, _ := openSessionLog(t)
	defer capLog.Close()
	client, done := runSession(t, capLog, upstreamAddr, true)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.Copy(io.Discard, client); err != nil {
		t.Fatalf("expected clean close of the client leg, got %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after upstream close")
	}
}

func TestSession_DialFailureClosesClient(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	capLog, binPath := openSessionLog(t)
	client, done := runSession(t, capLog, deadAddr, true)
	defer client.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after dial failure")
	}

	// The inbound leg must be closed and nothing recorded.
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.Copy(io.Discard, client); err != nil {
		t.Fatalf("expected closed client leg, got %v", err)
	}
	if err := capLog.Close(); err != nil {
		t.Fatal(err)
	}
	c2s, s2c := readCaptured(t, binPath)
	if len(c2s) != 0 || len(s2c) != 0 {
		t.Errorf("expected empty capture, got %d/%d bytes", len(c2s), len(s2c))
	}
}

func TestSession_LogErrorHaltPolicy(t *testing.T) {
	upstreamAddr := startUpstream(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
		conn.Close()
	})

	capLog, _ := openSessionLog(t)
	// A closed log makes every Record call fail.
	if err := capLog.Close(); err != nil {
		t.Fatal(err)
	}

	client, done := runSession(t, capLog, upstreamAddr, true)
	defer client.Close()

	if _, err := client.Write([]byte("doomed")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("halt policy did not close the session on capture failure")
	}
}

func TestSession_LogErrorIgnorePolicy(t *testing.T) {
	received := make(chan []byte, 1)
	upstreamAddr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			t.Errorf("upstream read: %v", err)
			return
		}
		received <- append([]byte(nil), buf[:n]...)
	})

	capLog, _ := openSessionLog(t)
	if err := capLog.Close(); err != nil {
		t.Fatal(err)
	}

	client, done := runSession(t, capLog, upstreamAddr, false)

	if _, err := client.Write([]byte("still relayed")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, []byte("still relayed")) {
			t.Errorf("upstream received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ignore policy did not keep relaying after capture failure")
	}

	client.Close()
	<-done
}

func TestSession_IdleTimeoutClosesSession(t *testing.T) {
	upstreamAddr := startUpstream(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
		conn.Close()
	})

	capLog, _ := openSessionLog(t)
	defer capLog.Close()

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()

	sess := &Session{
		ID:           1,
		Client:       proxySide,
		UpstreamAddr: upstreamAddr,
		Log:          capLog,
		DialTimeout:  5 * time.Second,
		IdleTimeout:  50 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("idle session was not closed by the timeout")
	}
}
