package archive

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// newDecompressor wraps r with the decompressor for a tar kind.
func newDecompressor(kind Kind, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case KindTar:
		return io.NopCloser(r), nil
	case KindTarGz:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return gr, nil
	case KindTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case KindTarZst:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("no decompressor for %s", kind)
	}
}

// newCompressor wraps w with the compressor for a tar kind. Closing the
// result flushes the compressed stream but does not close w.
func newCompressor(kind Kind, w io.Writer) (io.WriteCloser, error) {
	switch kind {
	case KindTar:
		return nopWriteCloser{w}, nil
	case KindTarGz:
		return gzip.NewWriter(w), nil
	case KindTarXz:
		return xz.NewWriter(w)
	case KindTarZst:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("no compressor for %s", kind)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
