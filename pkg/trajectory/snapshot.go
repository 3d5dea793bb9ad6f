package trajectory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeSnapshot atomically extends the trajectory file: the existing file's
// records are copied into a temporary file, the new step records (and the
// footer, when finalizing) are appended, and the temporary file replaces the
// original in a single rename. A crash mid-write leaves either the previous
// complete snapshot or the new one, never a partial file.
func writeSnapshot(path string, header Header, steps []Step, footer *Footer) error {
	return replaceFile(path, func(w *bufio.Writer) error {
		copied, err := copyExisting(path, w)
		if err != nil {
			return err
		}
		if !copied {
			if err := writeRecord(w, record{Type: recordTypeHeader, Header: &header}); err != nil {
				return err
			}
		}

		for i := range steps {
			if err := writeRecord(w, record{Type: recordTypeStep, Step: &steps[i]}); err != nil {
				return err
			}
		}

		if footer != nil {
			if err := writeRecord(w, record{Type: recordTypeFooter, Footer: footer}); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeInitialSnapshot writes a header-only snapshot, discarding whatever
// file occupied the path. The start of a new run owns the path outright.
func writeInitialSnapshot(path string, header Header) error {
	return replaceFile(path, func(w *bufio.Writer) error {
		return writeRecord(w, record{Type: recordTypeHeader, Header: &header})
	})
}

// replaceFile fills a temporary file next to path and renames it over the
// original once it is flushed and synced.
func replaceFile(path string, fill func(w *bufio.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create trajectory directory: %w", err)
	}

	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		return cleanup(err)
	}

	if err := w.Flush(); err != nil {
		return cleanup(fmt.Errorf("failed to flush temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("failed to sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace trajectory file: %w", err)
	}

	return nil
}

// copyExisting streams the current snapshot into w. Returns false when no
// snapshot exists yet.
func copyExisting(path string, w *bufio.Writer) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open trajectory file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	wrote := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := w.Write(line); err != nil {
			return wrote, fmt.Errorf("failed to copy trajectory line: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return wrote, fmt.Errorf("failed to copy trajectory line: %w", err)
		}
		wrote = true
	}
	if err := scanner.Err(); err != nil {
		return wrote, fmt.Errorf("failed to read trajectory file: %w", err)
	}

	return wrote, nil
}

func writeRecord(w *bufio.Writer, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", rec.Type, err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write %s record: %w", rec.Type, err)
	}
	return nil
}

// Load parses a persisted trajectory file. The footer is nil when the run
// has not finalized.
func Load(path string) (Header, []Step, *Footer, error) {
	var header Header
	var steps []Step
	var footer *Footer

	file, err := os.Open(path)
	if err != nil {
		return header, nil, nil, fmt.Errorf("failed to open trajectory file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	sawHeader := false

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return header, nil, nil, fmt.Errorf("invalid record at line %d: %w", lineNum, err)
		}

		switch rec.Type {
		case recordTypeHeader:
			if rec.Header == nil {
				return header, nil, nil, fmt.Errorf("empty header record at line %d", lineNum)
			}
			header = *rec.Header
			sawHeader = true
		case recordTypeStep:
			if rec.Step == nil {
				return header, nil, nil, fmt.Errorf("empty step record at line %d", lineNum)
			}
			steps = append(steps, *rec.Step)
		case recordTypeFooter:
			if rec.Footer == nil {
				return header, nil, nil, fmt.Errorf("empty footer record at line %d", lineNum)
			}
			footer = rec.Footer
		default:
			return header, nil, nil, fmt.Errorf("unknown record type %q at line %d", rec.Type, lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return header, nil, nil, fmt.Errorf("failed to read trajectory file: %w", err)
	}
	if !sawHeader {
		return header, nil, nil, fmt.Errorf("trajectory file has no header record")
	}

	return header, steps, footer, nil
}
