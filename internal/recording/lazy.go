package recording

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/burpheart/replay-tap/internal/protocol"
)

// yieldEvery bounds how many array elements the lazy parser consumes
// between scheduler yields.
const yieldEvery = 64

// LazyRecording holds a loaded recording with undecoded message slots.
// Only the header fields are materialized; each message stays raw until
// DecodeMessage is called for it.
type LazyRecording struct {
	SchemaVersion int
	ScenarioName  string
	RecordedAt    time.Time
	RawMessages   []json.RawMessage
}

// Len returns the number of message slots.
func (l *LazyRecording) Len() int {
	return len(l.RawMessages)
}

// DecodeMessage decodes the message at index i on demand.
func (l *LazyRecording) DecodeMessage(i int) (*RecordedMessage, error) {
	if i < 0 || i >= len(l.RawMessages) {
		return nil, fmt.Errorf("message index %d out of range [0, %d)", i, len(l.RawMessages))
	}
	var msg RecordedMessage
	if err := json.Unmarshal(l.RawMessages[i], &msg); err != nil {
		return nil, protocol.Errorf(protocol.CodeDecodeError, "decode recorded message %d: %v", i, err)
	}
	return &msg, nil
}

// LoadRecordingLazy loads a recording without decoding its messages.
// Decompression streams and the JSON parse is incremental, running on its
// own goroutine and yielding between message batches so concurrent work is
// never starved by a large file.
func LoadRecordingLazy(ctx context.Context, path string) (*LazyRecording, error) {
	type result struct {
		rec *LazyRecording
		err error
	}
	ch := make(chan result, 1)

	go func() {
		rec, err := loadLazy(ctx, path)
		ch <- result{rec, err}
	}()

	select {
	case r := <-ch:
		return r.rec, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func loadLazy(ctx context.Context, path string) (*LazyRecording, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeRecordingLoadFailed,
			"read recording %s: %v", resolved, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1<<16)
	var src io.Reader = br
	if magic, err := br.Peek(len(zstdMagic)); err == nil && string(magic) == string(zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeRecordingLoadFailed,
				"init zstd reader for %s: %v", resolved, err)
		}
		defer dec.Close()
		src = dec
	}

	rec, err := parseLazy(ctx, json.NewDecoder(src))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, protocol.Errorf(protocol.CodeRecordingLoadFailed,
			"parse recording %s: %v", resolved, err)
	}
	if err := checkSchema(resolved, rec.SchemaVersion); err != nil {
		return nil, err
	}
	return rec, nil
}

// parseLazy walks the top-level recording object token by token, decoding
// header fields eagerly and message slots as raw bytes.
func parseLazy(ctx context.Context, dec *json.Decoder) (*LazyRecording, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	rec := &LazyRecording{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}

		switch key {
		case "schemaVersion":
			if err := dec.Decode(&rec.SchemaVersion); err != nil {
				return nil, fmt.Errorf("schemaVersion: %w", err)
			}
		case "scenarioName":
			if err := dec.Decode(&rec.ScenarioName); err != nil {
				return nil, fmt.Errorf("scenarioName: %w", err)
			}
		case "recordedAt":
			if err := dec.Decode(&rec.RecordedAt); err != nil {
				return nil, fmt.Errorf("recordedAt: %w", err)
			}
		case "messages":
			if err := parseRawArray(ctx, dec, &rec.RawMessages); err != nil {
				return nil, fmt.Errorf("messages: %w", err)
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
		}
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return rec, nil
}

func parseRawArray(ctx context.Context, dec *json.Decoder, out *[]json.RawMessage) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		// "messages": null — an empty recording.
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("expected %q, got %v", json.Delim('['), tok)
	}
	for n := 0; dec.More(); n++ {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("element %d: %w", n, err)
		}
		*out = append(*out, raw)

		if (n+1)%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.Gosched()
		}
	}
	return expectDelim(dec, ']')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
