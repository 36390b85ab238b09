// Package vecio reads and writes the flat binary vector files the
// experiment tooling exchanges: a headered default format and a raw
// format whose dimension comes from the command line (the vector count
// follows from the file size).
package vecio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/edirooss/spfresh/internal/index/vectors"
)

// ReadDefault parses `u32 count | u32 dim | count × dim × sizeof(T)`.
func ReadDefault[T vectors.Element](path string) ([][]T, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("vecio: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("vecio: header of %s: %w", path, err)
	}
	count := int(binary.LittleEndian.Uint32(hdr[0:]))
	dim := int(binary.LittleEndian.Uint32(hdr[4:]))
	if dim <= 0 || count < 0 {
		return nil, 0, fmt.Errorf("vecio: bad header in %s: count=%d dim=%d", path, count, dim)
	}
	vecs, err := readBody[T](r, count, dim)
	return vecs, dim, err
}

// ReadRaw parses headerless `count × dim × sizeof(T)`; count is derived
// from the file size.
func ReadRaw[T vectors.Element](path string, dim int) ([][]T, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vecio: raw read needs a positive dim, got %d", dim)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("vecio: stat %s: %w", path, err)
	}
	vecBytes := int64(dim * vectors.ElemSize[T]())
	if fi.Size()%vecBytes != 0 {
		return nil, fmt.Errorf("vecio: %s size %d not a multiple of vector size %d", path, fi.Size(), vecBytes)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vecio: open %s: %w", path, err)
	}
	defer f.Close()
	return readBody[T](bufio.NewReaderSize(f, 1<<20), int(fi.Size()/vecBytes), dim)
}

func readBody[T vectors.Element](r io.Reader, count, dim int) ([][]T, error) {
	raw := make([]byte, dim*vectors.ElemSize[T]())
	out := make([][]T, 0, count)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("vecio: vector %d: %w", i, err)
		}
		out = append(out, vectors.GetElems[T](raw, dim))
	}
	return out, nil
}

// WriteDefault writes the headered format; the inverse of ReadDefault.
func WriteDefault[T vectors.Element](path string, vecs [][]T, dim int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vecio: create %s: %w", path, err)
	}
	w := bufio.NewWriterSize(f, 1<<20)

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(vecs)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(dim))
	if _, err := w.Write(hdr[:]); err != nil {
		f.Close()
		return err
	}
	raw := make([]byte, dim*vectors.ElemSize[T]())
	for _, v := range vecs {
		vectors.PutElems(raw, v)
		if _, err := w.Write(raw); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
