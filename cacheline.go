package phmap

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is used to pad page and shard structs so that
// independent shards/pages never false-share a cache line. Buckets
// (nodeList) are not padded.
const CacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})
