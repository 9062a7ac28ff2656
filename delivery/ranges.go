package delivery

import (
	"errors"
	"strconv"
	"strings"
)

// errUnsatisfiable is returned for a well-formed range outside the file.
var errUnsatisfiable = errors.New("range not satisfiable")

// byteRange is an inclusive span of a file.
type byteRange struct {
	start, end int64
}

func (r byteRange) length() int64 {
	return r.end - r.start + 1
}

// parseRange reads a single "bytes=" range against a file of size bytes.
//
// ok is false when the header should be ignored and the whole file served:
// a different unit, several ranges, or a malformed spec. A well-formed range
// that does not fit inside [0,size) returns errUnsatisfiable.
func parseRange(header string, size int64) (r byteRange, ok bool, err error) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return byteRange{}, false, nil
	}
	first, last, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return byteRange{}, false, nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	switch {
	case first == "" && last == "":
		return byteRange{}, false, nil

	case first == "":
		// Suffix form: the final n bytes.
		n, perr := parseOffset(last)
		if perr != nil {
			return byteRange{}, false, nil
		}
		if n == 0 || n > size {
			return byteRange{}, true, errUnsatisfiable
		}
		return byteRange{start: size - n, end: size - 1}, true, nil
	}

	start, perr := parseOffset(first)
	if perr != nil {
		return byteRange{}, false, nil
	}
	end := size - 1
	if last != "" {
		if end, perr = parseOffset(last); perr != nil {
			return byteRange{}, false, nil
		}
	}

	if start > end || start >= size || end >= size {
		return byteRange{}, true, errUnsatisfiable
	}
	return byteRange{start: start, end: end}, true, nil
}

func parseOffset(s string) (int64, error) {
	if s == "" || strings.ContainsAny(s, "+-") {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}
