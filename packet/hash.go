package packet

import "crypto/sha256"

// Hash computes the 8-byte tag of msg keyed by key: SHA-256 over
// key ++ msg, folded by XOR of the four 8-byte digest slices.
func Hash(key, msg []byte) [HashSize]byte {
	h := sha256.New()
	h.Write(key)
	h.Write(msg)
	return fold(h.Sum(nil))
}

// Sum8 is the unkeyed form of Hash.
func Sum8(msg []byte) [HashSize]byte {
	d := sha256.Sum256(msg)
	return fold(d[:])
}

func fold(d []byte) [HashSize]byte {
	var out [HashSize]byte
	for i := range out {
		out[i] = d[i] ^ d[8+i] ^ d[16+i] ^ d[24+i]
	}
	return out
}
