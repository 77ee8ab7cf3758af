package main

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// tensorDecl is one parsed line of a declared tensor list.
type tensorDecl struct {
	Name   string
	Dims   []int
	Frozen bool
}

// readTensorList parses a declared tensor list file: one tensor per line
// as "name dim [dim ...]", optionally ending in the word "frozen". A "#"
// starts a comment; blank lines are skipped. Declaration order is packing
// order, so the file should list tensors the way the model registers them.
func readTensorList(path string) ([]tensorDecl, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading tensor list %q", path)
	}
	defer func() { _ = f.Close() }()

	var decls []tensorDecl
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		decl := tensorDecl{Name: fields[0]}
		if _, dup := seen[decl.Name]; dup {
			return nil, errors.Errorf("%s:%d: duplicate tensor name %q", path, lineNo, decl.Name)
		}
		seen[decl.Name] = struct{}{}
		dims := fields[1:]
		if n := len(dims); n > 0 && dims[n-1] == "frozen" {
			decl.Frozen = true
			dims = dims[:n-1]
		}
		if len(dims) == 0 {
			return nil, errors.Errorf("%s:%d: tensor %q has no dimensions", path, lineNo, decl.Name)
		}
		for _, field := range dims {
			dim, err := strconv.Atoi(field)
			if err != nil || dim < 1 {
				return nil, errors.Errorf("%s:%d: bad dimension %q for tensor %q", path, lineNo, field, decl.Name)
			}
			decl.Dims = append(decl.Dims, dim)
		}
		decls = append(decls, decl)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading tensor list %q", path)
	}
	if len(decls) == 0 {
		return nil, errors.Errorf("tensor list %q declares no tensors", path)
	}
	return decls, nil
}
