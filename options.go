package hashfs

import (
	"os"
	"strconv"

	"go.uber.org/zap"
)

// IndexStruct names the index variant selected by MLFS_IDX_STRUCT. This
// module only implements GlobalHashTable (HashFS); the others are named
// so callers can detect "someone asked for a variant we don't build" and
// fail fast instead of silently falling back.
type IndexStruct string

const (
	IndexExtentTrees       IndexStruct = "EXTENT_TREES"
	IndexLevelHashTables   IndexStruct = "LEVEL_HASH_TABLES"
	IndexRadixTrees        IndexStruct = "RADIX_TREES"
	IndexGlobalHashTable   IndexStruct = "GLOBAL_HASH_TABLE"
	IndexGlobalCuckooHash  IndexStruct = "GLOBAL_CUCKOO_HASH"
	IndexStructUnspecified IndexStruct = ""
)

// SelectedIndexStruct reads MLFS_IDX_STRUCT from the environment.
func SelectedIndexStruct() IndexStruct {
	return IndexStruct(os.Getenv("MLFS_IDX_STRUCT"))
}

// CacheEnabled reads MLFS_IDX_CACHE from the environment. It is
// consulted by non-HashFS index variants to enable an in-DRAM cache of
// persistent blocks; HashFS itself ignores it (its hot path already
// avoids a second load per probe step) but exposes it so the enclosing
// file system's startup logic has one place to read all three hooks.
func CacheEnabled() bool {
	return envBool("MLFS_IDX_CACHE")
}

// ProfileEnabled reads MLFS_PROFILE from the environment; when true,
// Index records per-call latency into its metrics (see metrics.go).
func ProfileEnabled() bool {
	return envBool("MLFS_PROFILE")
}

func envBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return v == "1"
	}
	return b
}

// Options configures an Index beyond what the persistent meta block
// records. Zero value is a usable default (linear probing, scalar
// lookups, DirectHash, no profiling).
type Options struct {
	// StepMode selects linear (default) or triangular probing. This is
	// a compile-time alternative in the original source; here it is a
	// per-Index construction choice instead, but a given region must
	// always be reopened with the same mode it was formatted with.
	StepMode ProbeMode

	// Hash selects the hash function seeding the probe sequence. Nil
	// defaults to DirectHash, matching the original source's fallback
	// when no hash function is supplied.
	Hash HashFunc

	// UseSIMD selects the batched eight-wide lookup path for
	// linear-step tables. Lookup does not check the CPU itself;
	// NewOptions sets this from storage.go's simdAvailable. Lookup
	// results are identical either way; this only affects which probe
	// implementation runs.
	UseSIMD bool

	// Profile enables latency histograms and Prometheus counters.
	// NewOptions seeds it from ProfileEnabled() (the MLFS_PROFILE
	// environment hook); a zero-value Options leaves it off, and
	// withDefaults does not consult the environment.
	Profile bool

	// Logger receives structured events (attach, poison, recovery). A
	// nil Logger means "discard".
	Logger *zap.SugaredLogger

	// Backing selects the durability protocol Persist uses for the
	// formatted region. Zero value is BackingMMapFile.
	Backing Backing
}

// ProbeMode mirrors stepMode but is exported for Options construction.
type ProbeMode = stepMode

const (
	ProbeLinear     = stepLinear
	ProbeTriangular = stepTriangular
)

// NewOptions returns the default Options, with Profile seeded from the
// MLFS_PROFILE environment hook.
func NewOptions() Options {
	return Options{
		StepMode: ProbeLinear,
		Hash:     DirectHash,
		UseSIMD:  simdAvailable(),
		Profile:  ProfileEnabled(),
	}
}

func (o Options) withDefaults() Options {
	if o.Hash == nil {
		o.Hash = DirectHash
	}
	return o
}
