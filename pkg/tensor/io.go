// Binary tensor persistence: float16 payloads behind zstd, with a small
// self-describing header. Parameter sets survive process restarts at
// half storage cost; the float32 round trip loses at most float16
// precision.

package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/x448/float16"
)

const (
	binaryMagic   = 0x41544e53 // "ATNS"
	binaryVersion = 1
)

// WriteBinary serializes t to w.
func WriteBinary(w io.Writer, t *Tensor) error {
	header := make([]byte, 10)
	binary.LittleEndian.PutUint32(header[0:4], binaryMagic)
	binary.LittleEndian.PutUint16(header[4:6], binaryVersion)
	binary.LittleEndian.PutUint32(header[6:10], uint32(len(t.Shape)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, d := range t.Shape {
		if err := binary.Write(w, binary.LittleEndian, int64(d)); err != nil {
			return fmt.Errorf("write shape: %w", err)
		}
	}

	raw := make([]byte, 2*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("init compressor: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	if err := binary.Write(w, binary.LittleEndian, uint64(len(compressed))); err != nil {
		return fmt.Errorf("write payload length: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadBinary deserializes a tensor written by WriteBinary.
func ReadBinary(r io.Reader) (*Tensor, error) {
	header := make([]byte, 10)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != binaryMagic {
		return nil, fmt.Errorf("bad magic: not a tensor file")
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != binaryVersion {
		return nil, fmt.Errorf("unsupported tensor file version %d", v)
	}

	rank := int(binary.LittleEndian.Uint32(header[6:10]))
	shape := make([]int, rank)
	for i := range shape {
		var d int64
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return nil, fmt.Errorf("read shape: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid dimension %d in stored shape", d)
		}
		shape[i] = int(d)
	}

	var payloadLen uint64
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("read payload length: %w", err)
	}
	compressed := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init decompressor: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}

	t := New(shape...)
	if len(raw) != 2*len(t.Data) {
		return nil, fmt.Errorf("payload has %d bytes, want %d for shape %v",
			len(raw), 2*len(t.Data), shape)
	}
	for i := range t.Data {
		t.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
	}
	return t, nil
}

// SaveFile writes t to path, replacing any existing file.
func SaveFile(path string, t *Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := WriteBinary(f, t); err != nil {
		return err
	}
	return f.Close()
}

// LoadFile reads a tensor from path.
func LoadFile(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ReadBinary(f)
}
