package ufs

import (
	"strconv"
	"strings"

	"github.com/IvanBrykalov/objstore/store"
)

// ParseLine parses the arguments of a cache_dir line:
//
//	path size-MB [L1 L2] [min-size=N] [max-size=N] [policy=NAME] [read-only]
//
// A heap policy key follows a colon, as in policy=heap:GDSF.
// Index, IO, Logger and Clock are left for the caller.
func ParseLine(line string) (Options, error) {
	var opt Options
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return opt, badLine(line, "want path and size")
	}
	opt.Path = fields[0]
	mb, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || mb <= 0 {
		return opt, badLine(line, "size must be a positive number of megabytes")
	}
	opt.MaxSize = mb << 20

	rest := fields[2:]
	if len(rest) >= 2 && !strings.Contains(rest[0], "=") && rest[0] != "read-only" {
		if opt.L1, err = strconv.Atoi(rest[0]); err != nil || opt.L1 <= 0 {
			return opt, badLine(line, "bad L1")
		}
		if opt.L2, err = strconv.Atoi(rest[1]); err != nil || opt.L2 <= 0 {
			return opt, badLine(line, "bad L2")
		}
		rest = rest[2:]
	}

	for _, f := range rest {
		name, value, hasValue := strings.Cut(f, "=")
		switch {
		case name == "read-only" && !hasValue:
			opt.ReadOnly = true
		case name == "min-size" && hasValue:
			if opt.MinObjectSize, err = strconv.ParseInt(value, 10, 64); err != nil || opt.MinObjectSize < 0 {
				return opt, badLine(line, "bad min-size")
			}
		case name == "max-size" && hasValue:
			if opt.MaxObjectSize, err = strconv.ParseInt(value, 10, 64); err != nil || opt.MaxObjectSize < 0 {
				return opt, badLine(line, "bad max-size")
			}
		case name == "policy" && hasValue:
			opt.Policy = strings.ReplaceAll(value, ":", " ")
		default:
			return opt, badLine(line, "unknown option "+strconv.Quote(f))
		}
	}
	if opt.MaxObjectSize > 0 && opt.MinObjectSize >= opt.MaxObjectSize {
		return opt, badLine(line, "min-size must be below max-size")
	}
	return opt, nil
}

func badLine(line, why string) error {
	return store.ErrBadConfig.Here().WithMessagef("ufs: cache_dir %q: %s", line, why)
}
