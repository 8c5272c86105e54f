package blockstore

import "github.com/spaolacci/murmur3"

// rollingChecksum accumulates a 64-bit rolling sum over a sequence of
// payloads fed in slot order.
type rollingChecksum struct {
	h murmur3.Hash128
}

func newRollingChecksum() *rollingChecksum {
	return &rollingChecksum{h: murmur3.New128()}
}

func (r *rollingChecksum) add(payload []byte) {
	if len(payload) == 0 {
		return
	}
	r.h.Write(payload) //nolint:errcheck // murmur3's Write never errors
}

func (r *rollingChecksum) sum() int64 {
	hi, _ := r.h.Sum128()
	return int64(hi)
}
