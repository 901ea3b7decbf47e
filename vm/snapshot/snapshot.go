// Package snapshot captures the live heap of a VM as a CBOR document, for
// offline inspection and for comparing heaps across collections.
package snapshot

import (
	"fmt"
	"os"
	"time"

	"github.com/chazu/jvmx/vm"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Object is one live heap block.
type Object struct {
	Handle     uint32   `cbor:"1,keyasint"`
	Kind       string   `cbor:"2,keyasint"`
	Address    uint32   `cbor:"3,keyasint"`
	Size       int      `cbor:"4,keyasint"`
	Class      string   `cbor:"5,keyasint,omitempty"`
	ArrayType  uint8    `cbor:"6,keyasint,omitempty"`
	Length     int      `cbor:"7,keyasint,omitempty"`
	References []uint32 `cbor:"8,keyasint,omitempty"`
}

// Snapshot is a point-in-time view of a VM heap.
type Snapshot struct {
	ID            string   `cbor:"1,keyasint"`
	VM            string   `cbor:"2,keyasint"`
	TakenUnixNano int64    `cbor:"3,keyasint"`
	HeapSize      int      `cbor:"4,keyasint"`
	Semispace     int      `cbor:"5,keyasint"`
	Used          int      `cbor:"6,keyasint"`
	Collections   uint64   `cbor:"7,keyasint"`
	Objects       []Object `cbor:"8,keyasint"`
}

// Take captures the heap of v. The heap is read under the collector's
// lock, so the result is consistent even while threads allocate.
func Take(v *vm.VM) *Snapshot {
	heap := v.Heap()
	infos := heap.Objects()
	s := &Snapshot{
		ID:            uuid.NewString(),
		VM:            v.ID().String(),
		TakenUnixNano: time.Now().UnixNano(),
		HeapSize:      heap.GetHeapSize(),
		Semispace:     heap.SemispaceSize(),
		Used:          heap.UsedBytes(),
		Collections:   heap.Collections(),
		Objects:       make([]Object, 0, len(infos)),
	}
	for _, info := range infos {
		o := Object{
			Handle:    uint32(info.Handle),
			Kind:      info.Kind.String(),
			Address:   uint32(info.Address),
			Size:      info.Size,
			Class:     info.Class,
			ArrayType: uint8(info.ArrayType),
			Length:    info.Length,
		}
		for _, r := range info.References {
			o.References = append(o.References, uint32(r))
		}
		s.Objects = append(s.Objects, o)
	}
	return s
}

// Taken returns the capture time.
func (s *Snapshot) Taken() time.Time { return time.Unix(0, s.TakenUnixNano) }

// Find returns the object with the given handle.
func (s *Snapshot) Find(handle vm.Reference) (Object, bool) {
	for _, o := range s.Objects {
		if o.Handle == uint32(handle) {
			return o, true
		}
	}
	return Object{}, false
}

// Marshal serializes a Snapshot to CBOR bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a Snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return &s, nil
}

// WriteFile writes s to path.
func WriteFile(path string, s *Snapshot) error {
	data, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a snapshot written by WriteFile.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	return Unmarshal(data)
}
