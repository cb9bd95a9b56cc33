package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"EstateBonds/internal/storage"
)

const (
	// snapshotVersion is the current snapshot format version.
	snapshotVersion = 1

	// checksumSize is the size of the trailing BLAKE3 checksum.
	checksumSize = 32
)

// snapshotPrefixes are the key ranges a snapshot carries: ledger state, the event log
// and the API call nonces.
var snapshotPrefixes = [][]byte{
	[]byte("m:"),
	prefixProvider,
	prefixBatch,
	prefixSubmission,
	prefixContext,
	prefixSubmitTime,
	prefixDecryptReq,
	[]byte("e:"),
	[]byte("e!"),
	[]byte("n:"),
}

// snapshotEntry is one stored key-value pair.
type snapshotEntry struct {
	key   []byte
	value []byte
}

// Snapshot exports the ledger state and event log as a compressed, checksummed blob.
// Ciphertext handles are exported as references; the ciphertexts stay with the coprocessor.
func (l *Ledger) Snapshot() ([]byte, error) {
	l.mu.Lock()
	entries, err := collectEntries(l.db)
	l.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("collect entries:\n%w", err)
	}

	compressed, err := compress(encodeSnapshot(entries))
	if err != nil {
		return nil, fmt.Errorf("compress snapshot:\n%w", err)
	}

	return compressed, nil
}

// RestoreSnapshot loads a snapshot into an empty store in one atomic write.
// It must run before the ledger and event log are opened on db.
func RestoreSnapshot(db *storage.Storage, data []byte) (int, error) {
	deployed, err := db.Has(keyOwner)
	if err != nil {
		return 0, fmt.Errorf("check target:\n%w", err)
	}

	if deployed {
		return 0, fmt.Errorf("target store already holds a ledger")
	}

	raw, err := decompress(data)
	if err != nil {
		return 0, fmt.Errorf("decompress snapshot:\n%w", err)
	}

	entries, err := decodeSnapshot(raw)
	if err != nil {
		return 0, err
	}

	ops := make([]storage.Op, len(entries))
	for i, e := range entries {
		ops[i] = storage.Op{Key: e.key, Value: e.value}
	}

	if err := db.Write(ops); err != nil {
		return 0, fmt.Errorf("write snapshot:\n%w", err)
	}

	return len(entries), nil
}

// collectEntries copies every snapshotted key in key order.
func collectEntries(db *storage.Storage) ([]snapshotEntry, error) {
	var entries []snapshotEntry

	for _, prefix := range snapshotPrefixes {
		err := db.IteratePrefix(prefix, func(key, value []byte) error {
			entries = append(entries, snapshotEntry{
				key:   bytes.Clone(key),
				value: bytes.Clone(value),
			})

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %q:\n%w", prefix, err)
		}
	}

	return entries, nil
}

// encodeSnapshot serializes entries followed by a checksum over everything before it.
// Format: version (u32 LE) || count (u64 LE) || { keyLen (u32 LE) || key || valueLen (u32 LE) || value }* || BLAKE3
func encodeSnapshot(entries []snapshotEntry) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, snapshotVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(entries)))

	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.key)))
		buf = append(buf, e.key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.value)))
		buf = append(buf, e.value...)
	}

	sum := blake3.Sum256(buf)

	return append(buf, sum[:]...)
}

// decodeSnapshot verifies the checksum and parses the entries.
func decodeSnapshot(data []byte) ([]snapshotEntry, error) {
	if len(data) < 12+checksumSize {
		return nil, fmt.Errorf("snapshot too short: %d bytes", len(data))
	}

	body, stored := data[:len(data)-checksumSize], data[len(data)-checksumSize:]

	if sum := blake3.Sum256(body); !bytes.Equal(sum[:], stored) {
		return nil, fmt.Errorf("snapshot checksum mismatch")
	}

	if v := binary.LittleEndian.Uint32(body); v != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", v)
	}

	count := binary.LittleEndian.Uint64(body[4:])
	off := 12
	entries := make([]snapshotEntry, 0, min(count, uint64(len(body))/8))

	field := func() ([]byte, error) {
		if len(body)-off < 4 {
			return nil, fmt.Errorf("truncated snapshot at offset %d", off)
		}

		n := int(binary.LittleEndian.Uint32(body[off:]))
		off += 4

		if n < 0 || len(body)-off < n {
			return nil, fmt.Errorf("truncated snapshot at offset %d", off)
		}

		b := body[off : off+n]
		off += n

		return b, nil
	}

	for i := uint64(0); i < count; i++ {
		key, err := field()
		if err != nil {
			return nil, err
		}

		value, err := field()
		if err != nil {
			return nil, err
		}

		entries = append(entries, snapshotEntry{key: key, value: value})
	}

	if off != len(body) {
		return nil, fmt.Errorf("%d trailing snapshot bytes", len(body)-off)
	}

	return entries, nil
}

// compress compresses data with zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
