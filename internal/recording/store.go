package recording

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/burpheart/replay-tap/internal/protocol"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// SavePath maps a user-supplied recording path to the on-disk compressed
// path: .json becomes .json.zstd, anything without the suffix gains it.
func SavePath(path string) string {
	if strings.HasSuffix(path, ".zstd") {
		return path
	}
	return path + ".zstd"
}

// SaveRecording serializes the recording, compresses it with zstd and
// writes it atomically, creating parent directories as needed.
func SaveRecording(path string, rec *Recording) error {
	target := SavePath(path)

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return protocol.Errorf(protocol.CodeRecordingSaveFailed,
			"create recording dir for %s: %v", target, err)
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return protocol.Errorf(protocol.CodeRecordingSaveFailed,
			"encode recording %s: %v", target, err)
	}
	// The on-disk form is canonical JSON: same scenario, same bytes,
	// regardless of struct field order or producer payload key order.
	data, err := protocol.CanonicalJSON(encoded)
	if err != nil {
		return protocol.Errorf(protocol.CodeRecordingSaveFailed,
			"canonicalize recording %s: %v", target, err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return protocol.Errorf(protocol.CodeRecordingSaveFailed,
			"init zstd writer for %s: %v", target, err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return protocol.Errorf(protocol.CodeRecordingSaveFailed,
			"compress recording %s: %v", target, err)
	}
	if err := enc.Close(); err != nil {
		return protocol.Errorf(protocol.CodeRecordingSaveFailed,
			"flush zstd stream for %s: %v", target, err)
	}

	// Write-then-rename so a crash mid-save never leaves a torn file.
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return protocol.Errorf(protocol.CodeRecordingSaveFailed,
			"write recording %s: %v", target, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return protocol.Errorf(protocol.CodeRecordingSaveFailed,
			"rename recording %s: %v", target, err)
	}
	return nil
}

// resolvePath returns the first existing load candidate: path.zstd first,
// then path itself.
func resolvePath(path string) (string, error) {
	candidates := []string{path}
	if !strings.HasSuffix(path, ".zstd") {
		candidates = []string{path + ".zstd", path}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", protocol.Errorf(protocol.CodeRecordingLoadFailed,
		"recording %s not found", path)
}

// readRecordingBytes reads and, when compressed, decompresses a recording
// file. Compression is sniffed from the zstd frame magic so a .json path
// holding compressed bytes still loads.
func readRecordingBytes(path string) ([]byte, string, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, resolved, protocol.Errorf(protocol.CodeRecordingLoadFailed,
			"read recording %s: %v", resolved, err)
	}

	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, resolved, protocol.Errorf(protocol.CodeRecordingLoadFailed,
				"init zstd reader for %s: %v", resolved, err)
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, resolved, protocol.Errorf(protocol.CodeRecordingLoadFailed,
				"decompress recording %s: %v", resolved, err)
		}
	}
	return data, resolved, nil
}

// LoadRecording loads and validates a recording eagerly.
func LoadRecording(path string) (*Recording, error) {
	data, resolved, err := readRecordingBytes(path)
	if err != nil {
		return nil, err
	}

	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, protocol.Errorf(protocol.CodeRecordingLoadFailed,
			"parse recording %s: %v", resolved, err)
	}
	if err := checkSchema(resolved, rec.SchemaVersion); err != nil {
		return nil, err
	}
	return &rec, nil
}
