package obfuscation

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Encoding identifiers
const (
	EncodingBase64 = "base64"
	EncodingHex    = "hex"
	EncodingBase58 = "base58"
	EncodingBinary = "binary"
)

type codec struct {
	encode func([]byte) string
	decode func(string) ([]byte, error)
}

var codecs = map[string]codec{
	EncodingBase64: {base64.StdEncoding.EncodeToString, base64.StdEncoding.DecodeString},
	EncodingHex:    {hex.EncodeToString, hex.DecodeString},
	EncodingBase58: {base58.Encode, base58.Decode},
	EncodingBinary: {encodeBinary, decodeBinary},
}

// encodeBinary renders each byte as eight ASCII bits.
func encodeBinary(b []byte) string {
	var sb strings.Builder
	sb.Grow(8 * len(b))
	for _, v := range b {
		fmt.Fprintf(&sb, "%08b", v)
	}
	return sb.String()
}

func decodeBinary(s string) ([]byte, error) {
	if len(s)%8 != 0 {
		return nil, fmt.Errorf("binary length %d is not a multiple of 8", len(s))
	}
	out := make([]byte, len(s)/8)
	for i := range out {
		var v byte
		for _, c := range s[8*i : 8*i+8] {
			switch c {
			case '0':
				v <<= 1
			case '1':
				v = v<<1 | 1
			default:
				return nil, fmt.Errorf("invalid binary digit %q", c)
			}
		}
		out[i] = v
	}
	return out, nil
}
