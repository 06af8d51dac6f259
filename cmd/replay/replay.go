// Package replay implements offline inspection of a binary capture file.
package replay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/veidt/patchtap/capture"
	"github.com/veidt/patchtap/envelope"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	asJSON bool

	Cmd = &cobra.Command{
		Use:   "replay <capture.bin>",
		Short: "Walk a binary capture and print its records",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
)

func init() {
	Cmd.Flags().BoolVar(&asJSON, "json", false, "Emit one JSON object per record")
}

// replayRecord is the JSON shape of one replayed record.
type replayRecord struct {
	Offset    int64         `json:"offset"`
	Direction string        `json:"direction"`
	Size      int           `json:"size"`
	Envelope  *replayHeader `json:"envelope,omitempty"`
}

type replayHeader struct {
	Type        byte   `json:"type"`
	TypeName    string `json:"type_name"`
	Flags       uint32 `json:"flags"`
	Cipher      string `json:"cipher"`
	Padding     uint32 `json:"padding"`
	PayloadSize int    `json:"payload_size"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	out := cmd.OutOrStdout()
	reader := capture.NewReader(f)
	start := time.Now()

	var total int
	var totalBytes int64
	for {
		offset := reader.Offset()
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}

		var env *envelope.Envelope
		if rec.Direction == capture.ClientToServer {
			if e, ok := envelope.Decode(rec.Data); ok {
				env = &e
			}
		}
		if err := printRecord(out, offset, rec, env); err != nil {
			return err
		}
		total++
		totalBytes += int64(len(rec.Data))
	}

	if !asJSON {
		fmt.Fprintf(out, "\n%d records, %d bytes, replayed in %s\n",
			total, totalBytes, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func printRecord(out io.Writer, offset int64, rec capture.Record, env *envelope.Envelope) error {
	if asJSON {
		entry := replayRecord{
			Offset:    offset,
			Direction: rec.Direction.String(),
			Size:      len(rec.Data),
		}
		if env != nil {
			entry.Envelope = &replayHeader{
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
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = fmt.Fprintf(out, "%s\n", line)
		return err
	}

	if env != nil {
		_, err := fmt.Fprintf(out, "%08x %s %5d bytes  type=0x%02x (%s) flags=0x%08x cipher=%q padding=0x%08x\n",
			offset, rec.Direction, len(rec.Data),
			byte(env.Type), env.Type, env.Flags, env.CipherString(), env.Padding)
		return err
	}
	_, err := fmt.Fprintf(out, "%08x %s %5d bytes\n", offset, rec.Direction, len(rec.Data))
	return err
}
