package livepatch

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// mapping is one line of /proc/self/maps.
type mapping struct {
	start, end uintptr
	perms      string
	offset     uint64
	path       string
}

func (m mapping) prot() int {
	prot := 0
	if strings.IndexByte(m.perms, 'r') >= 0 {
		prot |= protRead
	}
	if strings.IndexByte(m.perms, 'w') >= 0 {
		prot |= protWrite
	}
	if strings.IndexByte(m.perms, 'x') >= 0 {
		prot |= protExec
	}
	return prot
}

func readMaps() ([]mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, errors.Wrap(err, "open maps")
	}
	defer f.Close()

	var maps []mapping
	s := bufio.NewScanner(f)
	for s.Scan() {
		m, err := parseMapsLine(s.Text())
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "read maps")
	}
	return maps, nil
}

// parseMapsLine parses "start-end perms offset dev inode [path]".
func parseMapsLine(line string) (mapping, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return mapping{}, errors.Errorf("malformed maps line %q", line)
	}

	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return mapping{}, errors.Errorf("malformed maps range %q", fields[0])
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return mapping{}, errors.Wrapf(err, "maps start %q", bounds[0])
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return mapping{}, errors.Wrapf(err, "maps end %q", bounds[1])
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return mapping{}, errors.Wrapf(err, "maps offset %q", fields[2])
	}

	m := mapping{
		start:  uintptr(start),
		end:    uintptr(end),
		perms:  fields[1],
		offset: offset,
	}
	if len(fields) > 5 {
		m.path = strings.Join(fields[5:], " ")
	}
	return m, nil
}
