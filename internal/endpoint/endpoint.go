package endpoint

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// FatalError reports a failed read, write or parse of a sysfs attribute.
//
// Callers are not expected to recover: a sensor that cannot be read (or a
// PWM value that cannot be written) leaves the fan in an unknown state.
type FatalError struct {
	Op   string // read, write, parse
	Path string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("endpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Endpoint is a single hwmon/debugfs attribute. It holds no cached value;
// every call goes to the file system.
type Endpoint struct {
	fs   afero.Fs
	path string
}

func New(fs afero.Fs, path string) Endpoint {
	return Endpoint{fs: fs, path: path}
}

func (e Endpoint) Path() string { return e.path }

// Exists reports whether the attribute is a regular file this process can
// read. Absence is a normal outcome and never an error.
func (e Endpoint) Exists() bool {
	fi, err := e.fs.Stat(e.path)
	if err != nil {
		return false
	}
	if !fi.Mode().IsRegular() {
		return false
	}
	return accessible(e.fs, e.path, accessRead)
}

// Writable reports whether this process may write the attribute. It is
// advisory: on non-OS file systems it only checks existence.
func (e Endpoint) Writable() bool {
	if !e.Exists() {
		return false
	}
	return accessible(e.fs, e.path, accessWrite)
}

func (e Endpoint) Read() (string, error) {
	b, err := afero.ReadFile(e.fs, e.path)
	if err != nil {
		return "", &FatalError{Op: "read", Path: e.path, Err: err}
	}
	return strings.TrimSpace(string(b)), nil
}

func (e Endpoint) ReadInt() (int, error) {
	s, err := e.Read()
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, &FatalError{Op: "parse", Path: e.path, Err: fmt.Errorf("empty")}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &FatalError{Op: "parse", Path: e.path, Err: err}
	}
	return n, nil
}

func (e Endpoint) Write(value string) error {
	if err := writeAttr(e.fs, e.path, value); err != nil {
		return &FatalError{Op: "write", Path: e.path, Err: err}
	}
	return nil
}

func (e Endpoint) WriteInt(v int) error {
	return e.Write(strconv.Itoa(v))
}

func writeAttr(fs afero.Fs, path string, value string) error {
	// Never O_CREATE: an attribute that vanished must not come back as a
	// plain file. sysfs attributes also reject O_TRUNC at open() even when
	// mode bits allow writes, so only regular files get truncated.
	flags := os.O_WRONLY
	if !pseudoFile(fs, path) {
		flags |= os.O_TRUNC
	}
	f, err := fs.OpenFile(path, flags, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value)
	cerr := f.Close()
	if werr != nil && cerr != nil {
		return errors.Join(werr, cerr)
	}
	if werr != nil {
		return werr
	}
	return cerr
}
