package hashfs

import "github.com/theflywheel/hashfs/internal/faults"

// Sentinel errors returned by Index operations. Compare with errors.Is.
var (
	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = faults.New(faults.CodeKeyExists, "key already present")

	// ErrReservedKey is returned when a caller supplies one of the two
	// sentinel key values (Empty or Tombstone) to Insert.
	ErrReservedKey = faults.New(faults.CodeKeyReserved, "key collides with a reserved sentinel")

	// ErrTableFull is returned by Insert when the probe sequence exhausts
	// mod steps without finding an Empty slot or a duplicate. A Tombstone
	// passed along the way is not claimed in that case.
	ErrTableFull = faults.New(faults.CodeTableFull, "probe sequence exhausted: table full")

	// ErrStoragePoisoned is returned by every operation once a prior
	// persist has failed; the index does not attempt to self-heal.
	ErrStoragePoisoned = faults.New(faults.CodeStoragePoisoned, "index storage is poisoned after a failed persist")
)
