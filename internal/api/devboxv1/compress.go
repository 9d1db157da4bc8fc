package devboxv1

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// FrameCodec compresses ChannelFrame payloads with the algorithm agreed in
// the hello exchange. A nil *FrameCodec passes data through.
type FrameCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewFrameCodec returns the codec for a compression name, or nil for none.
func NewFrameCodec(compression string) (*FrameCodec, error) {
	switch compression {
	case CompressionNone:
		return nil, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, err
		}
		return &FrameCodec{enc: enc, dec: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

// SupportedCompression reports whether the server side can honour name.
func SupportedCompression(name string) bool {
	return name == CompressionNone || name == CompressionZstd
}

func (c *FrameCodec) Encode(p []byte) []byte {
	if c == nil {
		return p
	}
	return c.enc.EncodeAll(p, nil)
}

func (c *FrameCodec) Decode(p []byte) ([]byte, error) {
	if c == nil {
		return p, nil
	}
	return c.dec.DecodeAll(p, nil)
}

func (c *FrameCodec) Close() {
	if c == nil {
		return
	}
	_ = c.enc.Close()
	c.dec.Close()
}
