package backup

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
)

// Codec compresses archive payloads on the wire. The seal checksum always
// refers to the uncompressed bytes; the payload digest covers what is
// actually stored.
type Codec interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
	// Ext is appended to the remote key, and identifies the codec at
	// restore time.
	Ext() string
}

// CodecFor returns the codec for a configured compression name.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", "none":
		return noneCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "gzip":
		return gzipCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", name)
	}
}

// codecForKey picks the codec matching a remote key's extension.
func codecForKey(key string) Codec {
	switch {
	case strings.HasSuffix(key, ".snappy"):
		return snappyCodec{}
	case strings.HasSuffix(key, ".gz"):
		return gzipCodec{}
	default:
		return noneCodec{}
	}
}

type noneCodec struct{}

func (noneCodec) Encode(data []byte) ([]byte, error) { return data, nil }
func (noneCodec) Decode(data []byte) ([]byte, error) { return data, nil }
func (noneCodec) Ext() string                        { return "" }

type snappyCodec struct{}

func (snappyCodec) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCodec) Decode(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode failed: %w", err)
	}
	return out, nil
}

func (snappyCodec) Ext() string { return ".snappy" }

type gzipCodec struct{}

func (gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip open failed: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}

func (gzipCodec) Ext() string { return ".gz" }
