package flat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the snapshot payload compression.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression maps a config string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "zstd":
		return CompressionZstd, nil
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("flat: unknown compression %q", s)
	}
}

var snapshotMagic = [4]byte{'S', 'F', 'X', '1'}

const snapshotFormatVersion = uint16(1)

// WriteTo writes a durable snapshot of the index.
//
// Format:
//  1. header: magic, version, compression, dimension, row count, raw payload size
//  2. payload: rows as little-endian float32, possibly compressed
//  3. footer: CRC32 (Castagnoli) of the raw payload
func (f *Flat) WriteTo(w io.Writer) (int64, error) {
	st := f.getState()

	raw := make([]byte, 0, len(st.rows)*st.dimension*4)
	var scratch [4]byte
	for _, row := range st.rows {
		for _, v := range row {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			raw = append(raw, scratch[:]...)
		}
	}

	payload, err := compressPayload(f.opts.Compression, raw)
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], snapshotFormatVersion)
	buf.Write(u16[:])
	buf.WriteByte(byte(f.opts.Compression))
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(st.dimension))
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(st.rows)))
	buf.Write(u32[:])
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(len(raw)))
	buf.Write(u64[:])

	buf.Write(payload)

	binary.LittleEndian.PutUint32(u32[:], crc32.Checksum(raw, crcTable))
	buf.Write(u32[:])

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom replaces the index contents with a previously written snapshot.
func (f *Flat) ReadFrom(r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	total := int64(len(data))

	const headerSize = 4 + 2 + 1 + 4 + 4 + 8
	if len(data) < headerSize+4 {
		return total, fmt.Errorf("flat: snapshot truncated: %d bytes", len(data))
	}
	if !bytes.Equal(data[0:4], snapshotMagic[:]) {
		return total, fmt.Errorf("flat: bad snapshot magic")
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != snapshotFormatVersion {
		return total, fmt.Errorf("flat: unsupported snapshot version %d", v)
	}
	compression := Compression(data[6])
	dim := int(binary.LittleEndian.Uint32(data[7:11]))
	rowCount := int(binary.LittleEndian.Uint32(data[11:15]))
	rawSize := binary.LittleEndian.Uint64(data[15:23])

	payload := data[headerSize : len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])

	raw, err := decompressPayload(compression, payload, int(rawSize))
	if err != nil {
		return total, err
	}
	if crc32.Checksum(raw, crcTable) != wantCRC {
		return total, fmt.Errorf("flat: snapshot checksum mismatch")
	}
	if len(raw) != rowCount*dim*4 {
		return total, fmt.Errorf("flat: snapshot payload size %d does not match %d rows x dim %d", len(raw), rowCount, dim)
	}

	rows := make([][]float32, rowCount)
	off := 0
	for i := range rows {
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
			off += 4
		}
		rows[i] = row
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.state.Store(&indexState{dimension: dim, rows: rows})
	return total, nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func compressPayload(c Compression, raw []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return raw, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	case CompressionLZ4:
		var compressor lz4.Compressor
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := compressor.CompressBlock(raw, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Incompressible; store raw with a length marker match.
			return raw, nil
		}
		return buf[:n], nil
	default:
		return nil, fmt.Errorf("flat: unknown compression %d", c)
	}
}

func decompressPayload(c Compression, payload []byte, rawSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(payload, nil)
	case CompressionLZ4:
		if len(payload) == rawSize {
			// Stored raw (incompressible block).
			return payload, nil
		}
		raw := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, err
		}
		return raw[:n], nil
	default:
		return nil, fmt.Errorf("flat: unknown compression %d", c)
	}
}
