// Package trace writes the host calls made by Starlark programs to
// capture files, one JSON record per line.
package trace

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hosttrace/hosttrace/hostcall"
)

// TimestampLayout names capture directories and log files.
const TimestampLayout = "2006-01-02_15-04-05"

// NoName is used for programs that were not given a name.
const NoName = "script.NoNameGiven"

// Suffix is the file extension of capture files.
const Suffix = ".jsonl"

// Timestamp formats t for use in capture paths.
func Timestamp(t time.Time) string { return t.Format(TimestampLayout) }

// CapturePath returns the capture file for the named program:
// <outDir>/<timestamp>/<name>.jsonl.
func CapturePath(outDir, timestamp, name string) string {
	name = strings.TrimSuffix(filepath.Base(name), ".star")
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = NoName
	}
	return filepath.Join(outDir, timestamp, name+Suffix)
}

// TreeCapturePath returns the capture file for the program at rel, a
// path relative to a traced directory. The directories of rel are kept,
// so programs in different directories never share a capture file.
func TreeCapturePath(outDir, timestamp, rel string) string {
	rel = path.Clean(filepath.ToSlash(rel))
	dir, file := path.Split(rel)
	if dir == "" || path.IsAbs(rel) || strings.HasPrefix(rel, "../") {
		return CapturePath(outDir, timestamp, file)
	}
	return CapturePath(outDir, filepath.Join(timestamp, filepath.FromSlash(dir)), file)
}

// LockPath returns the lock file guarding the capture files under outDir.
// Runs that write captures and exports that remove them both hold it.
func LockPath(outDir string) string { return filepath.Join(outDir, ".lock") }

// A Record is one captured host call.
type Record struct {
	Thread    string
	Signature string
	Receiver  string
	Method    string
	Args      []string
	At        time.Time
}

// FileRecorder appends each recorded call to a capture file. Appends
// take an advisory file lock, so several processes may share a file.
// It is safe for concurrent use.
type FileRecorder struct {
	path   string
	lock   *flock.Flock
	logger zerolog.Logger

	mu    sync.Mutex
	count int
	err   error
}

var _ hostcall.Recorder = (*FileRecorder)(nil)

// NewFileRecorder creates the directory of path and returns a recorder
// appending to it.
func NewFileRecorder(path string, logger zerolog.Logger) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create capture directory: %w", err)
	}
	return &FileRecorder{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
	}, nil
}

// Path returns the capture file path.
func (r *FileRecorder) Path() string { return r.path }

// Count returns the number of calls written so far.
func (r *FileRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Err returns the first write error, if any.
func (r *FileRecorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Record appends call to the capture file. Failures are logged and
// retained for Err; they do not interrupt the program.
func (r *FileRecorder) Record(thread *starlark.Thread, call hostcall.Call) {
	line, err := encode(thread.Name, call)
	if err == nil {
		err = r.append(line)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if r.err == nil {
			r.err = err
		}
		r.logger.Error().Err(err).Str("capture", r.path).Str("call", call.Signature()).Msg("failed to record host call")
		return
	}
	r.count++
}

func (r *FileRecorder) append(line []byte) error {
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("lock capture file: %w", err)
	}
	defer func() { _ = r.lock.Unlock() }()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encode(thread string, call hostcall.Call) ([]byte, error) {
	args := make([]interface{}, len(call.Args))
	for i, a := range call.Args {
		args[i] = a
	}
	st, err := structpb.NewStruct(map[string]interface{}{
		"thread":    thread,
		"signature": call.Signature(),
		"receiver":  call.Receiver,
		"method":    call.Method,
		"args":      args,
		"at":        call.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode host call: %w", err)
	}
	return protojson.Marshal(st)
}

// ReadCapture parses a capture file.
func ReadCapture(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := decode(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}

func decode(line []byte) (Record, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal(line, &st); err != nil {
		return Record{}, err
	}
	fields := st.GetFields()
	rec := Record{
		Thread:    fields["thread"].GetStringValue(),
		Signature: fields["signature"].GetStringValue(),
		Receiver:  fields["receiver"].GetStringValue(),
		Method:    fields["method"].GetStringValue(),
	}
	for _, v := range fields["args"].GetListValue().GetValues() {
		rec.Args = append(rec.Args, v.GetStringValue())
	}
	at, err := time.Parse(time.RFC3339Nano, fields["at"].GetStringValue())
	if err != nil {
		return Record{}, fmt.Errorf("bad call time: %w", err)
	}
	rec.At = at
	return rec, nil
}

// List returns the capture files under dir, sorted by path.
func List(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, Suffix) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
