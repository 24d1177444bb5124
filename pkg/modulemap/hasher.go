package modulemap

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

func hash64(v uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return uint32(xxhash.Sum64(b[:]))
}

type pidHasher struct{}

func (pidHasher) Hash(pid PidKey) uint32 { return hash64(uint64(pid)) }
func (pidHasher) Equal(a, b PidKey) bool { return a == b }

// baseHasher keys the per-pid module table by runtime load base. Sections of
// one pid never overlap, so the base identifies a section within its pid.
type baseHasher struct{}

func (baseHasher) Hash(base uint64) uint32 { return hash64(base) }
func (baseHasher) Equal(a, b uint64) bool  { return a == b }
