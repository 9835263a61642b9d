package store

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/creachadair/cityhash"
)

// KeySize is the length of a cache key in bytes.
const KeySize = md5.Size

// Key is an MD5 digest of a request's identity.
type Key [KeySize]byte

// PublicKey derives the key under which responses for method+url are
// shared.
func PublicKey(method, url string) Key {
	h := md5.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(url))
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// privateKey derives a per-entry key that nobody will look up.
func privateKey(seq uint64) Key {
	var b [8 + len("private")]byte
	copy(b[:], "private")
	binary.LittleEndian.PutUint64(b[len("private"):], seq)
	return md5.Sum(b[:])
}

// String returns the key in upper-case hex.
func (k Key) String() string { return strings.ToUpper(hex.EncodeToString(k[:])) }

func keyCompare(a, b Key) int { return bytes.Compare(a[:], b[:]) }

func keyHash(k Key, size uint32) uint32 { return cityhash.Hash32(k[:]) % size }
