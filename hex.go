package livepatch

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

var errEmptyPayload = errors.New("empty payload")

// DecodeHex converts a patch payload ("C0035FD6") into bytes. The input must
// have even length and contain only hex digits; no memory is touched when it
// is rejected.
func DecodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, newError(ErrEncoding, "decode", quote(s), hex.ErrLength)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, newError(ErrEncoding, "decode", quote(s), err)
	}
	return b, nil
}

// EncodeHex is the inverse of DecodeHex and emits upper-case digits.
func EncodeHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func quote(s string) string {
	const max = 32
	if len(s) > max {
		s = s[:max] + "..."
	}
	return `"` + s + `"`
}
