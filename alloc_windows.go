package livepatch

import "github.com/edsrzf/mmap-go"

// Windows cannot later raise a mapping view to execute, so blocks are mapped
// executable up front and Seal drops the write bit.
const allocProt = mmap.RDWR | mmap.EXEC
