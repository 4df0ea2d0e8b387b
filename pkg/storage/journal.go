package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// journal is a newline-delimited JSON append-only log with its own
// append lock, independent of the three table locks (spec §5:
// "Telemetry and coordination-log appends are independently serialized
// by their own append locks"). Appends tolerate a half-written trailing
// line left by a crash and truncate it on the next append (spec §4.2).
type journal[T any] struct {
	path string
	lock *tableLock
}

func openJournal[T any](path, mode string, timeout time.Duration) (*journal[T], error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	f.Close()
	dir := filepath.Dir(path)
	name := filepath.Base(path)
	return &journal[T]{
		path: path,
		lock: newTableLock(dir, name, mode, timeout),
	}, nil
}

func (j *journal[T]) append(v T) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	locked, err := j.lock.acquire(ctx)
	if err != nil {
		return err
	}
	if !locked {
		return &KindLockTimeout{Table: filepath.Base(j.path)}
	}
	defer j.lock.release()

	if err := j.repairTrailingLine(); err != nil {
		return err
	}

	line, err := json.Marshal(v)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// repairTrailingLine drops a trailing line that fails to parse as JSON,
// the crash-tolerance contract from spec §4.2/§4.6. Must be called with
// the journal's lock held.
func (j *journal[T]) repairTrailingLine() error {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	last := lines[len(lines)-1]
	if len(bytes.TrimSpace(last)) == 0 {
		return nil
	}
	var probe json.RawMessage
	if json.Unmarshal(last, &probe) == nil {
		return nil
	}

	repaired := bytes.Join(lines[:len(lines)-1], []byte("\n"))
	if len(repaired) > 0 {
		repaired = append(repaired, '\n')
	}
	return writeAtomic(filepath.Dir(j.path), j.path, repaired)
}

// readAll decodes every well-formed line, skipping a malformed trailing
// line without failing the read (spec §4.2). Read projections never
// lock.
func (j *journal[T]) readAll() ([]T, error) {
	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			// tolerate a malformed trailing line; scanning continues so
			// a corrupt line followed by good ones still surfaces them.
			continue
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}

func (j *journal[T]) truncate() error {
	return writeAtomic(filepath.Dir(j.path), j.path, nil)
}

// rewrite replaces the journal's contents with items, used by the
// compactor to retain only a bounded suffix (spec §4.5).
func (j *journal[T]) rewrite(items []T) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	locked, err := j.lock.acquire(ctx)
	if err != nil {
		return err
	}
	if !locked {
		return &KindLockTimeout{Table: filepath.Base(j.path)}
	}
	defer j.lock.release()

	var buf bytes.Buffer
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return writeAtomic(filepath.Dir(j.path), j.path, buf.Bytes())
}
