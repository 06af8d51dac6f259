package capture

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/veidt/patchtap/envelope"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HexDumpLimit bounds the hex/text rendering of a frame in the text log.
// The raw binary log always keeps the full frame.
const HexDumpLimit = 256

// recordOverhead is the fixed byte count of a binary record before its data:
// [4 zero bytes][14-byte direction tag][4 zero bytes][4-byte LE length].
const recordOverhead = 4 + TagWidth + 4 + 4

var separator = strings.Repeat("=", 60)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("capture log closed")

// Config names the sink files. IndexPath is optional; when empty no NDJSON
// index is written.
type Config struct {
	TextPath   string
	BinaryPath string
	IndexPath  string
}

// Log is the shared capture sink. Record may be called concurrently from
// every forwarding goroutine; a mutex serializes the sinks so each record
// lands atomically and completely. All sinks are flushed per record, so a
// crash loses at most the record being written.
type Log struct {
	mu      sync.Mutex
	session uuid.UUID
	closed  bool

	textFile  *os.File
	text      *bufio.Writer
	binFile   *os.File
	bin       *bufio.Writer
	indexFile *os.File
	index     *bufio.Writer
	binOffset int64

	logger zerolog.Logger
}

// indexEntry is one NDJSON line in the optional index sink.
type indexEntry struct {
	Session   string         `json:"session"`
	Conn      uint64         `json:"conn"`
	Direction string         `json:"direction"`
	Seq       uint64         `json:"seq"`
	Time      time.Time      `json:"time"`
	Size      int            `json:"size"`
	Offset    int64          `json:"offset"`
	Envelope  *indexEnvelope `json:"envelope,omitempty"`
}

type indexEnvelope struct {
	Type        byte   `json:"type"`
	TypeName    string `json:"type_name"`
	Flags       uint32 `json:"flags"`
	Cipher      string `json:"cipher"`
	Padding     uint32 `json:"padding"`
	PayloadSize int    `json:"payload_size"`
}

// Open creates the sink files, truncating existing ones, and assigns the
// capture a fresh session ID.
func Open(cfg Config, logger zerolog.Logger) (*Log, error) {
	l := &Log{
		session: uuid.New(),
		logger:  logger.With().Str("com", "capture").Logger(),
	}

	var err error
	l.textFile, err = os.Create(cfg.TextPath)
	if err != nil {
		return nil, fmt.Errorf("create text log: %w", err)
	}
	l.text = bufio.NewWriter(l.textFile)

	l.binFile, err = os.Create(cfg.BinaryPath)
	if err != nil {
		l.textFile.Close()
		return nil, fmt.Errorf("create binary log: %w", err)
	}
	l.bin = bufio.NewWriter(l.binFile)

	if cfg.IndexPath != "" {
		l.indexFile, err = os.Create(cfg.IndexPath)
		if err != nil {
			l.textFile.Close()
			l.binFile.Close()
			return nil, fmt.Errorf("create index log: %w", err)
		}
		l.index = bufio.NewWriter(l.indexFile)
	}

	fmt.Fprintf(l.text, "# capture session %s started %s\n",
		l.session, time.Now().Format(time.RFC3339))
	if err := l.text.Flush(); err != nil {
		l.closeFiles()
		return nil, fmt.Errorf("write text log header: %w", err)
	}

	l.logger.Info().
		Str("session", l.session.String()).
		Str("text", cfg.TextPath).
		Str("binary", cfg.BinaryPath).
		Msg("capture log opened")
	return l, nil
}

// Session returns the capture session identifier.
func (l *Log) Session() uuid.UUID {
	return l.session
}

// Record appends one frame to every sink and flushes them. env may be nil
// when the frame had no decodable header. Data is fully consumed before
// Record returns; the caller keeps ownership of the buffer afterwards.
func (l *Log) Record(f Frame, env *envelope.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.writeText(f, env); err != nil {
		return fmt.Errorf("text sink: %w", err)
	}
	if err := l.writeBinary(f); err != nil {
		return fmt.Errorf("binary sink: %w", err)
	}
	if l.index != nil {
		if err := l.writeIndex(f, env); err != nil {
			return fmt.Errorf("index sink: %w", err)
		}
	}
	return l.flush()
}

func (l *Log) writeText(f Frame, env *envelope.Envelope) error {
	prefix := f.Data
	if len(prefix) > HexDumpLimit {
		prefix = prefix[:HexDumpLimit]
	}

	w := l.text
	fmt.Fprintf(w, "\n%s\n", separator)
	fmt.Fprintf(w, "[%s] %s (%d bytes)\n", f.Time.Format(time.RFC3339Nano), f.Direction, len(f.Data))
	fmt.Fprintf(w, "%s\n", separator)
	fmt.Fprintf(w, "Hex: %s\n", hex.EncodeToString(prefix))
	// bufio errors are sticky, so checking the last write covers the record
	_, err := fmt.Fprintf(w, "Text: %s\n", strings.ToValidUTF8(string(prefix), "�"))
	if env != nil {
		_, err = fmt.Fprintf(w, "Envelope: type=0x%02x (%s) flags=0x%08x cipher=%q padding=0x%08x payload=%d bytes\n",
			byte(env.Type), env.Type, env.Flags, env.CipherString(), env.Padding, len(env.Payload))
	}
	return err
}

func (l *Log) writeBinary(f Frame) error {
	var marker [4]byte
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(f.Data)))

	w := l.bin
	for _, part := range [][]byte{marker[:], f.Direction.Tag(), marker[:], lenBuf[:], f.Data} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	l.binOffset += int64(recordOverhead + len(f.Data))
	return nil
}

func (l *Log) writeIndex(f Frame, env *envelope.Envelope) error {
	entry := indexEntry{
		Session:   l.session.String(),
		Conn:      f.ConnID,
		Direction: f.Direction.String(),
		Seq:       f.Seq,
		Time:      f.Time,
		Size:      len(f.Data),
		// offset of this record, already accounted for by writeBinary
		Offset: l.binOffset - int64(recordOverhead+len(f.Data)),
	}
	if env != nil {
		entry.Envelope = &indexEnvelope{
			Type:        byte(env.Type),
			TypeName:    env.Type.String(),
			Flags:       env.Flags,
			Cipher:      env.CipherString(),
			Padding:     env.Padding,
			PayloadSize: len(env.Payload),
		}
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := l.index.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (l *Log) flush() error {
	if err := l.text.Flush(); err != nil {
		return fmt.Errorf("flush text sink: %w", err)
	}
	if err := l.bin.Flush(); err != nil {
		return fmt.Errorf("flush binary sink: %w", err)
	}
	if l.index != nil {
		if err := l.index.Flush(); err != nil {
			return fmt.Errorf("flush index sink: %w", err)
		}
	}
	return nil
}

// Close flushes and closes every sink. Safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	flushErr := l.flush()
	closeErr := l.closeFiles()
	l.logger.Info().Str("session", l.session.String()).Msg("capture log closed")
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (l *Log) closeFiles() error {
	var firstErr error
	for _, f := range []*os.File{l.textFile, l.binFile, l.indexFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
