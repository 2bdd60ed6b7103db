//go:build !windows

package livepatch

import "github.com/edsrzf/mmap-go"

const allocProt = mmap.RDWR
