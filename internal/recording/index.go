package recording

import (
	"context"
	"encoding/json"
	"runtime"

	"github.com/tidwall/gjson"
)

// indexChunkSize is how many messages the indexer walks per scheduling
// slice.
const indexChunkSize = 256

// IndexEntry references one raw message slot by recording index.
type IndexEntry struct {
	Index int
	Raw   json.RawMessage
}

// HashIndex maps request-payload hashes to the recorded-message slots that
// match, in ascending recording order.
type HashIndex map[string][]IndexEntry

// Lookup returns the entries for a hash, recording order preserved.
func (ix HashIndex) Lookup(hash string) []IndexEntry {
	return ix[hash]
}

// BuildHashIndex walks the raw message array extracting only the top-level
// hash field of each slot; the envelope stays undecoded. Work proceeds in
// fixed-size chunks with a scheduler yield between chunks so indexing a
// large recording never monopolizes a thread.
func BuildHashIndex(ctx context.Context, rec *LazyRecording) (HashIndex, error) {
	ix := make(HashIndex)
	raws := rec.RawMessages

	for start := 0; start < len(raws); start += indexChunkSize {
		end := start + indexChunkSize
		if end > len(raws) {
			end = len(raws)
		}
		for i := start; i < end; i++ {
			hash := gjson.GetBytes(raws[i], "hash").String()
			if hash == "" {
				continue
			}
			ix[hash] = append(ix[hash], IndexEntry{Index: i, Raw: raws[i]})
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runtime.Gosched()
	}
	return ix, nil
}
