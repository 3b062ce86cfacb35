package requestid

import (
	crand "crypto/rand"
	"math/big"
	"strings"
	"time"
)

const HeaderKey = "X-Request-Id"

const maxLen = 128

// Gen generates a request id: yyyymmddHHMMSSuuuuuu + 8 random digits.
func Gen() string {
	return strings.ReplaceAll(time.Now().Format("20060102150405.000000"), ".", "") + randomDigits(8)
}

// FromHeader returns a client-supplied id if it is safe to echo back and to
// use in a file name, otherwise a freshly generated one.
func FromHeader(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > maxLen || strings.Contains(v, "..") {
		return Gen()
	}
	for i := 0; i < len(v); i++ {
		if !safeChar(v[i]) {
			return Gen()
		}
	}
	return v
}

func safeChar(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	case ch == '-', ch == '_', ch == '.', ch == ':':
		return true
	}
	return false
}

func randomDigits(n int) string {
	const digits = "0123456789"
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(digits[cryptoRandIntn(len(digits))])
	}
	return b.String()
}

func cryptoRandIntn(max int) int {
	if max <= 0 {
		return 0
	}
	nBig, err := crand.Int(crand.Reader, big.NewInt(int64(max)))
	if err != nil {
		// best effort fallback
		return 0
	}
	return int(nBig.Int64())
}
