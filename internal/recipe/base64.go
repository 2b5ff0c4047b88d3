package recipe

import (
	"github.com/dadap/pigdo/internal/md5sum"
	"github.com/dadap/pigdo/internal/pigdoerr"
)

// jigdo base64 is ordinary base64 except it additionally tolerates '-' and
// '_' in place of '+' and '/' (both decode to 62 and 63, respectively), and
// it is unpadded: an MD5 sum is always exactly 16 bytes, encoded in 22
// base64 characters with no trailing '='. Grounded in libigdo/jigdo-md5.c's
// base64To3ByteIntVal()/deBase64MD5Sum().
var b64Table = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	for i, c := range alphabet {
		t[c] = int8(i)
	}
	t['-'] = 62
	t['_'] = 63
	return t
}()

// decodeMD5Base64 decodes s (jigdo or standard base64, unpadded or padded)
// into a 16-byte MD5 digest.
func decodeMD5Base64(s string) (md5sum.Digest, error) {
	var out md5sum.Digest

	// Strip a trailing '=' padding, which jigdo base64 never produces but
	// which the original implementation tolerates defensively.
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}

	if len(s) != 22 {
		return out, pigdoerr.Wrapf(pigdoerr.ErrConfig, "expected 22 base64 characters for an MD5 sum, got %d", len(s))
	}

	var bitBuf uint32
	var bitCount uint
	pos := 0

	for i := 0; i < len(s); i++ {
		v := b64Table[s[i]]
		if v < 0 {
			return out, pigdoerr.Wrapf(pigdoerr.ErrConfig, "invalid base64 symbol %q in MD5 sum", s[i])
		}

		bitBuf = bitBuf<<6 | uint32(v)
		bitCount += 6

		for bitCount >= 8 && pos < len(out) {
			bitCount -= 8
			out[pos] = byte(bitBuf >> bitCount)
			pos++
		}
	}

	if pos != len(out) {
		return out, pigdoerr.Wrap(pigdoerr.ErrConfig, "truncated base64 MD5 sum")
	}

	return out, nil
}
