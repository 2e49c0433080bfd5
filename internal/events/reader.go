package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Reader incrementally tails a worker output file. Each Poll returns the
// complete events appended since the previous Poll; a trailing partial line
// (a write in flight) is left for the next call.
type Reader struct {
	path   string
	offset int64
}

// NewReader returns a Reader positioned at the start of path. The file does
// not need to exist yet; Poll on a missing file yields no events.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Poll reads newly appended events. Unparseable lines are skipped rather
// than wedging the monitor on a corrupt worker.
func (r *Reader) Poll() ([]Event, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", r.path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", r.path, err)
	}

	var out []Event
	br := bufio.NewReader(f)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			// Partial trailing line stays unconsumed.
			break
		}
		r.offset += int64(len(line))
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var evt Event
		if jsonErr := json.Unmarshal([]byte(line), &evt); jsonErr != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// CollectKeys scans a whole output file and returns the record keys already
// emitted, grouped by endpoint. A worker re-running tasks against an output
// file from an earlier attempt seeds its dedup set from this so retried
// tasks never re-emit keys.
func CollectKeys(path string) (map[string]map[string]struct{}, int, error) {
	keys := make(map[string]map[string]struct{})
	total := 0

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return keys, 0, nil
		}
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			continue
		}
		if evt.Type != TypeRecord || evt.Key == "" {
			continue
		}
		set, ok := keys[evt.Endpoint]
		if !ok {
			set = make(map[string]struct{})
			keys[evt.Endpoint] = set
		}
		set[evt.Key] = struct{}{}
		total++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan %s: %w", path, err)
	}
	return keys, total, nil
}
