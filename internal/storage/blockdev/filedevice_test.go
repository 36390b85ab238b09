package blockdev

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDevice(t *testing.T, capacity uint64) *FileDevice {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.bdev"), 4096, capacity, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestReadWriteRoundtrip(t *testing.T) {
	d := openTestDevice(t, 64)

	buf := bytes.Repeat([]byte{0xAB}, 3*4096)
	require.NoError(t, Write(d, 5, 3, buf))
	require.NoError(t, d.Flush())

	got := make([]byte, 3*4096)
	require.NoError(t, Read(d, 5, 3, got))
	require.Equal(t, buf, got)
}

func TestUnwrittenBlocksReadZero(t *testing.T) {
	d := openTestDevice(t, 8)
	got := make([]byte, 4096)
	require.NoError(t, Read(d, 7, 1, got))
	require.Equal(t, make([]byte, 4096), got)
}

func TestOutOfRangeFails(t *testing.T) {
	d := openTestDevice(t, 8)
	buf := make([]byte, 4096)

	err := Write(d, 8, 1, buf)
	require.Error(t, err)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, OpWrite, ioErr.Kind)
	require.Equal(t, uint64(8), ioErr.Block)

	require.Error(t, Read(d, 7, 2, make([]byte, 2*4096)))
}

func TestShortBufferFails(t *testing.T) {
	d := openTestDevice(t, 8)
	require.Error(t, Write(d, 0, 2, make([]byte, 4096)))
}

func TestConcurrentAsyncWrites(t *testing.T) {
	const blocks = 32
	d := openTestDevice(t, blocks)

	var wg sync.WaitGroup
	for i := 0; i < blocks; i++ {
		wg.Add(1)
		buf := bytes.Repeat([]byte{byte(i)}, 4096)
		d.WriteAsync(uint64(i), 1, buf, func(err error) {
			require.NoError(t, err)
			wg.Done()
		})
	}
	wg.Wait()
	require.NoError(t, d.Flush())

	for i := 0; i < blocks; i++ {
		got := make([]byte, 4096)
		require.NoError(t, Read(d, uint64(i), 1, got))
		require.Equal(t, byte(i), got[0])
		require.Equal(t, byte(i), got[4095])
	}
}

func TestSubmitAfterClose(t *testing.T) {
	d := openTestDevice(t, 8)
	require.NoError(t, d.Close())

	done := make(chan error, 1)
	d.WriteAsync(0, 1, make([]byte, 4096), func(err error) { done <- err })
	require.ErrorIs(t, <-done, ErrClosed)
}
