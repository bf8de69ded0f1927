package generators

import (
	"encoding/base32"

	"golang.org/x/crypto/sha3"
)

// pibbleAlphabet maps the standard base32 alphabet onto 0-9 plus lowercase
// letters minus the visually ambiguous a, e, i and u. Ids rendered with it
// never contain characters that are easily misread in a permalink.
const pibbleAlphabet = "0123456789bcdfghjklmnopqrstvwxyz"

var pibbleEncoding = base32.NewEncoding(pibbleAlphabet).WithPadding(base32.NoPadding)

// Pibble32 base32-encodes arbitrary bytes with the pibble alphabet.
func Pibble32(data []byte) string {
	return pibbleEncoding.EncodeToString(data)
}

// Pibble hashes the input with SHA3-256, keeps the first size bytes of the
// digest and renders them with the pibble alphabet. The default document id
// uses size 10, which encodes to sixteen characters.
func Pibble(hashable []byte, size int) string {
	digest := sha3.Sum256(hashable)
	return Pibble32(digest[:size])
}
