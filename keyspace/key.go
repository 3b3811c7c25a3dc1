// Package keyspace implements fixed-width unsigned integer arithmetic on
// the keys stored by the tree. Keys are canonically 256 bits, big-endian,
// and are compared, added, subtracted and divided the way
// boost::multiprecision::cpp_int did in the original keyvadb sources this
// package is modeled on.
package keyspace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
)

// Bits is the width of a key. Changing it changes ByteLen and the layout
// of every on-disk record that embeds a key.
const Bits = 256

// ByteLen is the number of bytes in a key's big-endian representation.
const ByteLen = Bits / 8

// ErrOverflow is returned by Add when the sum would exceed Max, and by Sub
// when the difference would underflow below zero.
var ErrOverflow = errors.New("keyspace: overflow")

// ErrDivideByZero is returned by DivMod when the divisor is the zero key.
var ErrDivideByZero = errors.New("keyspace: divide by zero")

// ErrWrongLength is returned by FromBytes/FromHex when the input is not
// exactly ByteLen bytes (2*ByteLen hex characters).
var ErrWrongLength = errors.New("keyspace: wrong length")

// Key is a fixed-width big-endian unsigned integer. The zero value is the
// reserved "empty key" sentinel and must never be used as a real stored
// key (see node package invariants).
type Key [ByteLen]byte

// Zero is the reserved "empty key" value; it may never be stored as a
// real key in a node slot.
var Zero = Key{}

// Max is the largest representable key, reserved as the sentinel used to
// mark a KeyValue slot as a synthetic anchor rather than a real insertion.
var Max = func() Key {
	var k Key
	for i := range k {
		k[i] = 0xff
	}
	return k
}()

// IsZero reports whether k is the empty-key sentinel.
func (k Key) IsZero() bool { return k == Zero }

// Bytes returns the big-endian byte representation of k.
func (k Key) Bytes() []byte {
	b := make([]byte, ByteLen)
	copy(b, k[:])
	return b
}

// FromBytes parses a big-endian fixed-width key from b.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != ByteLen {
		return k, fmt.Errorf("%w: want %d bytes, got %d", ErrWrongLength, ByteLen, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ToHex renders k as lowercase hex, always exactly 2*ByteLen characters.
func (k Key) ToHex() string {
	return hex.EncodeToString(k[:])
}

// FromHex parses a key from its hex representation. The string must be
// exactly 2*ByteLen characters.
func FromHex(s string) (Key, error) {
	var k Key
	if len(s) != ByteLen*2 {
		return k, fmt.Errorf("%w: want %d hex chars, got %d", ErrWrongLength, ByteLen*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

// Cmp returns -1, 0 or 1 as a is less than, equal to, or greater than b.
func Cmp(a, b Key) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether a orders strictly before b.
func Less(a, b Key) bool { return Cmp(a, b) < 0 }

func toBig(k Key) *big.Int { return new(big.Int).SetBytes(k[:]) }

func fromBig(n *big.Int) (Key, error) {
	var k Key
	if n.Sign() < 0 || n.BitLen() > Bits {
		return k, ErrOverflow
	}
	n.FillBytes(k[:])
	return k, nil
}

// Add returns a+b, or ErrOverflow if the sum exceeds Max.
func Add(a, b Key) (Key, error) {
	sum := new(big.Int).Add(toBig(a), toBig(b))
	return fromBig(sum)
}

// Sub returns a-b, or ErrOverflow if b is greater than a.
func Sub(a, b Key) (Key, error) {
	if Cmp(a, b) < 0 {
		return Key{}, ErrOverflow
	}
	diff := new(big.Int).Sub(toBig(a), toBig(b))
	return fromBig(diff)
}

// DivMod returns the quotient and remainder of a/b.
func DivMod(a, b Key) (q, r Key, err error) {
	if b.IsZero() {
		return Key{}, Key{}, ErrDivideByZero
	}
	bq, br := new(big.Int), new(big.Int)
	bq.DivMod(toBig(a), toBig(b), br)
	q, err = fromBig(bq)
	if err != nil {
		return Key{}, Key{}, err
	}
	r, err = fromBig(br)
	return q, r, err
}

// Stride returns (last-first)/degree, the spacing between a node's
// synthetic anchors.
func Stride(first, last Key, degree uint32) (Key, error) {
	span, err := Sub(last, first)
	if err != nil {
		return Key{}, err
	}
	degreeKey, err := fromBig(big.NewInt(int64(degree)))
	if err != nil {
		return Key{}, err
	}
	stride, _, err := DivMod(span, degreeKey)
	return stride, err
}

// NearestStride returns the slot index in [0, slots-1] whose anchor
// first+(i+1)*stride is closest to value, and the absolute distance to
// that anchor. Ties (value equidistant from two anchors) are broken in
// favor of the numerically smaller index.
//
// value is expected to satisfy first < value < first+slots*stride+stride
// (i.e. it lies within the node's range); values outside that range still
// produce a result, clamped to the nearest valid slot.
func NearestStride(first, stride Key, value Key, slots uint32) (index uint32, distance Key, err error) {
	if slots == 0 {
		return 0, Key{}, fmt.Errorf("keyspace: zero slots")
	}
	if stride.IsZero() {
		return 0, Key{}, fmt.Errorf("keyspace: zero stride")
	}
	offset, err := Sub(value, first)
	if err != nil {
		// value < first: clamp to slot 0.
		offset = Key{}
	}
	q, r, err := DivMod(offset, stride)
	if err != nil {
		return 0, Key{}, err
	}
	qBig := toBig(q)
	if !qBig.IsUint64() {
		qBig.SetUint64(^uint64(0))
	}
	bucket := qBig.Uint64()

	// Candidate "lower" anchor is slot bucket-1 (boundary point `bucket`);
	// candidate "upper" anchor is slot bucket (boundary point `bucket+1`).
	distUpper, uerr := Sub(stride, r)

	hasLower := bucket >= 1
	hasUpper := bucket < uint64(slots)

	switch {
	case hasLower && hasUpper:
		if uerr == nil && Cmp(distUpper, r) < 0 {
			return uint32(bucket), distUpper, nil
		}
		return uint32(bucket - 1), r, nil
	case hasLower:
		if bucket > uint64(slots) {
			// More than a stride past the last anchor: clamp to the last slot.
			lastAnchor := new(big.Int).Mul(toBig(stride), big.NewInt(int64(slots)))
			dist, derr := fromBig(new(big.Int).Sub(toBig(offset), lastAnchor))
			return slots - 1, dist, derr
		}
		return uint32(bucket - 1), r, nil
	case hasUpper:
		if uerr != nil {
			return uint32(bucket), Key{}, uerr
		}
		return uint32(bucket), distUpper, nil
	default:
		// slots == 0 already excluded; bucket is out of [0, slots] entirely.
		if bucket < 1 {
			return 0, r, nil
		}
		return slots - 1, r, nil
	}
}

// Random returns a uniformly random key drawn from rng. Callers that need
// deterministic sequences (tests, bulk-insert benchmarks) should construct
// rng with rand.New(rand.NewSource(seed)).
func Random(rng *rand.Rand) Key {
	var k Key
	for i := 0; i < ByteLen; i += 8 {
		v := rng.Uint64()
		for j := 0; j < 8 && i+j < ByteLen; j++ {
			k[i+j] = byte(v >> (8 * j))
		}
	}
	return k
}
