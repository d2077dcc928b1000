package tunnel

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// wrapCompressedStream wraps a ForwardedPortStream with zstd compression,
// for callers that opt a given port into payload compression (§6, adapted
// from the teacher's wrapZstd/compressedConn for the secure-channel-level
// forwarded stream rather than the teacher's own transport connection).
// Unlike the outer secure channel negotiation, this has no wire handshake
// of its own: both ends must agree out of band (matching CompressedPorts
// entries in ClientOptions and HostOptions) to wrap the same stream.
func wrapCompressedStream(s ForwardedPortStream) (ForwardedPortStream, error) {
	encoder, err := zstd.NewWriter(s, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(s)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &compressedStream{underlying: s, encoder: encoder, decoder: decoder}, nil
}

// compressedStream wraps a ForwardedPortStream with zstd compression,
// delegating Close to both the codec and the underlying stream.
type compressedStream struct {
	underlying ForwardedPortStream
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
}

func (c *compressedStream) Read(p []byte) (int, error) {
	return c.decoder.Read(p)
}

func (c *compressedStream) Write(p []byte) (int, error) {
	n, err := c.encoder.Write(p)
	if err != nil {
		return n, err
	}
	if err := c.encoder.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

func (c *compressedStream) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	return c.underlying.Close()
}

var _ io.ReadWriteCloser = (*compressedStream)(nil)
