package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// decompress returns the uncompressed body for the given algorithm.
// uncompressedSize is the size announced in the OP_COMPRESSED header; it
// only sizes the snappy output buffer, and the result's length is not
// checked against it.
func decompress(c Compressor, body []byte, uncompressedSize int32) ([]byte, error) {
	switch c {
	case CompressorNoop:
		return body, nil
	case CompressorSnappy:
		out, err := snappy.Decode(make([]byte, 0, uncompressedSize), body)
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindMalformedDoc, err, "snappy decompression failed")
		}
		return out, nil
	case CompressorZlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindMalformedDoc, err, "zlib decompression failed")
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindMalformedDoc, err, "zlib decompression failed")
		}
		return out, nil
	case CompressorZstd:
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindMalformedDoc, err, "zstd decompression failed")
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindMalformedDoc, err, "zstd decompression failed")
		}
		return out, nil
	default:
		return nil, oxerr.New(oxerr.KindCompressionUnsupported, "unsupported compressor id %d", c)
	}
}

// compress wraps body under the requested algorithm.
func compress(c Compressor, body []byte) ([]byte, error) {
	switch c {
	case CompressorNoop:
		return body, nil
	case CompressorSnappy:
		return snappy.Encode(nil, body), nil
	case CompressorZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("zlib compression: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib compression: %w", err)
		}
		return buf.Bytes(), nil
	case CompressorZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd compression: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(body, nil), nil
	default:
		return nil, oxerr.New(oxerr.KindCompressionUnsupported, "unsupported compressor id %d", c)
	}
}
