package wire

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// AppendIDBody encodes the body of an ID request or reply.
func AppendIDBody(dst []byte, version uint64, features []uint64) []byte {
	dst = msgp.AppendMapHeader(dst, 2)
	dst = msgp.AppendUint64(dst, KeyVersion)
	dst = msgp.AppendUint64(dst, version)
	dst = msgp.AppendUint64(dst, KeyFeatures)
	dst = msgp.AppendArrayHeader(dst, uint32(len(features)))
	for _, f := range features {
		dst = msgp.AppendUint64(dst, f)
	}
	return dst
}

// ParseIDBody decodes an ID body. Unknown keys are skipped.
func ParseIDBody(body []byte) (version uint64, features []uint64, err error) {
	n, rest, err := msgp.ReadMapHeaderBytes(body)
	if err != nil {
		return 0, nil, fmt.Errorf("wire: id body: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		var key uint64
		key, rest, err = msgp.ReadUint64Bytes(rest)
		if err != nil {
			return 0, nil, fmt.Errorf("wire: id key: %w", err)
		}
		switch key {
		case KeyVersion:
			version, rest, err = msgp.ReadUint64Bytes(rest)
		case KeyFeatures:
			var sz uint32
			sz, rest, err = msgp.ReadArrayHeaderBytes(rest)
			for j := uint32(0); err == nil && j < sz; j++ {
				var f uint64
				f, rest, err = msgp.ReadUint64Bytes(rest)
				features = append(features, f)
			}
		default:
			rest, err = msgp.Skip(rest)
		}
		if err != nil {
			return 0, nil, fmt.Errorf("wire: id value: %w", err)
		}
	}
	return version, features, nil
}
