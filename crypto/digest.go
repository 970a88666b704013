package crypto

import (
	"github.com/multiformats/go-varint"
	"golang.org/x/crypto/blake2b"
)

// Digest hashes parts under a domain tag with BLAKE2b-256. Every part is length
// prefixed so that distinct splits of the same bytes never collide.
func Digest(domain string, parts ...[]byte) []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only fails for oversized keys.
		panic(err)
	}

	write := func(b []byte) {
		h.Write(varint.ToUvarint(uint64(len(b))))
		h.Write(b)
	}

	write([]byte(domain))
	for _, p := range parts {
		write(p)
	}
	return h.Sum(nil)
}
