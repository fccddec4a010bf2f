package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var errNoIDs = errors.New("no observation IDs given: pass them as arguments or with --file")

// parseID accepts a positive decimal observation identifier.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid observation ID %q", s)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// readIDs reads one identifier per line. Blank lines and lines starting
// with '#' are skipped.
func readIDs(r io.Reader) ([]int64, error) {
	var ids []int64
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		id, err := parseID(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func readIDsFile(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open id file: %w", err)
	}
	defer f.Close()

	ids, err := readIDs(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no valid observation IDs found in file: %s", path)
	}
	return ids, nil
}

// collectIDs uses the file when given, the positional arguments otherwise.
func collectIDs(file string, args []string) ([]int64, error) {
	if file != "" {
		return readIDsFile(file)
	}
	if len(args) == 0 {
		return nil, errNoIDs
	}
	return parseIDs(args)
}
