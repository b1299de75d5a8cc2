package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/fleetbus/fleetbus/internal/envelope"
)

// Redirection selectors accepted in command requests. Anything else means
// "capture in memory" for a synchronous command and "spool to a temp file"
// for a detached one (pipes would wedge the sequential dispatch loop).
const (
	redirNull    = "null"
	redirTmpfile = "tmpfile"
	redirMerge   = "stdout" // stderr only: merge into the stdout sink
)

// Executor owns one detached child process: the spool writers the child
// fills, the independent readers tail consumes, and the exit-code cell the
// waiter goroutine fills exactly once.
//
// The waiter is the only writer of exitCode and closes done afterwards, so
// any read that happens after observing done is race free.
type Executor struct {
	cmd *exec.Cmd

	childStdout *os.File // child-side spool writer, nil when discarded or merged
	childStderr *os.File

	stdoutReader *os.File // tail-side handles over the same spool paths
	stderrReader *os.File

	exitCode int
	done     chan struct{}
}

// runCommand executes the command request and fills the reply. It returns a
// non-nil Executor only for detached commands; synchronous ones are born and
// die inside this call.
func runCommand(req *envelope.Request, reply *envelope.Reply) (*Executor, error) {
	argv := req.Strings("path")
	if len(argv) == 0 {
		return nil, errors.New("Field 'path' is required.")
	}

	if req.Truthy("thread") {
		return startDetached(req, reply, argv)
	}
	return nil, runSync(req, reply, argv)
}

// runSync runs the child to completion, capturing piped streams in memory
// and reporting spool paths for tmpfile redirections.
func runSync(req *envelope.Request, reply *envelope.Reply, argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	if env := req.Strings("env"); env != nil {
		cmd.Env = env
	}

	var closers []*os.File
	defer func() {
		for _, f := range closers {
			f.Close()
		}
	}()

	var stdoutBuf, stderrBuf *bytes.Buffer

	switch strings.ToLower(req.String("stdout")) {
	case redirNull:
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		closers = append(closers, devnull)
		cmd.Stdout = devnull
	case redirTmpfile:
		spool, err := os.CreateTemp("", "fleetbus-stdout-*")
		if err != nil {
			return err
		}
		closers = append(closers, spool)
		cmd.Stdout = spool
		reply.StdoutPath = spool.Name()
	default:
		stdoutBuf = &bytes.Buffer{}
		cmd.Stdout = stdoutBuf
	}

	switch strings.ToLower(req.String("stderr")) {
	case redirNull:
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		closers = append(closers, devnull)
		cmd.Stderr = devnull
	case redirMerge:
		cmd.Stderr = cmd.Stdout
	case redirTmpfile:
		spool, err := os.CreateTemp("", "fleetbus-stderr-*")
		if err != nil {
			return err
		}
		closers = append(closers, spool)
		cmd.Stderr = spool
		reply.StderrPath = spool.Name()
	default:
		stderrBuf = &bytes.Buffer{}
		cmd.Stderr = stderrBuf
	}

	err := cmd.Run()
	code, err := exitStatus(err)
	if err != nil {
		return err
	}

	if stdoutBuf != nil && stdoutBuf.Len() > 0 {
		text := sanitize(stdoutBuf.Bytes())
		reply.Stdout = &text
	}
	if stderrBuf != nil && stderrBuf.Len() > 0 {
		text := sanitize(stderrBuf.Bytes())
		reply.Stderr = &text
	}
	reply.ExitCode = &envelope.ExitCode{Code: code, Exited: true}
	return nil
}

// startDetached spawns the child with spooled output and a waiter goroutine,
// then reports the spool paths so the operator can tail them later. Spool
// files are forced for any stream not explicitly discarded or merged.
func startDetached(req *envelope.Request, reply *envelope.Reply, argv []string) (*Executor, error) {
	e := &Executor{done: make(chan struct{})}

	cleanup := func() {
		e.closeHandles()
		e.removeSpools()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if env := req.Strings("env"); env != nil {
		cmd.Env = env
	}

	switch strings.ToLower(req.String("stdout")) {
	case redirNull:
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, err
		}
		e.childStdout = devnull
		cmd.Stdout = devnull
	default:
		writer, reader, err := openSpool("fleetbus-stdout-*")
		if err != nil {
			cleanup()
			return nil, err
		}
		e.childStdout = writer
		e.stdoutReader = reader
		cmd.Stdout = writer
		reply.StdoutPath = writer.Name()
	}

	switch strings.ToLower(req.String("stderr")) {
	case redirNull:
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			cleanup()
			return nil, err
		}
		e.childStderr = devnull
		cmd.Stderr = devnull
	case redirMerge:
		cmd.Stderr = cmd.Stdout
	default:
		writer, reader, err := openSpool("fleetbus-stderr-*")
		if err != nil {
			cleanup()
			return nil, err
		}
		e.childStderr = writer
		e.stderrReader = reader
		cmd.Stderr = writer
		reply.StderrPath = writer.Name()
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, err
	}
	e.cmd = cmd

	go func() {
		code, _ := exitStatus(cmd.Wait())
		e.exitCode = code
		close(e.done)
	}()

	return e, nil
}

// openSpool creates one spool file and an independent read handle on the
// same path. The file is not unlinked on close; Clear removes it.
func openSpool(pattern string) (writer, reader *os.File, err error) {
	writer, err = os.CreateTemp("", pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	reader, err = os.Open(writer.Name())
	if err != nil {
		writer.Close()
		os.Remove(writer.Name())
		return nil, nil, fmt.Errorf("failed to open spool reader: %w", err)
	}
	return writer, reader, nil
}

// exitStatus maps the result of running a child to its exit code. A child
// that ran and failed is a result, not an error; only spawn-level failures
// (executable missing, permission denied) are returned as errors.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// sanitize decodes child output as UTF-8, replacing invalid bytes instead
// of failing the reply.
func sanitize(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// HasReaders reports whether at least one stream is spool-backed. A detached
// command that discarded or merged both streams has nothing to tail.
func (e *Executor) HasReaders() bool {
	return e.stdoutReader != nil || e.stderrReader != nil
}

// Tail reads up to size bytes (all when size is negative) from each spool
// reader and reports how many bytes remain between the child's write
// position and the reader's position.
func (e *Executor) Tail(size int, reply *envelope.Reply) error {
	if e.stdoutReader != nil {
		text, err := readUpTo(e.stdoutReader, size)
		if err != nil {
			return err
		}
		reply.Stdout = &text
		remain, err := e.remaining(e.childStdout, e.stdoutReader)
		if err != nil {
			return err
		}
		reply.StdoutRemain = &remain
	}
	if e.stderrReader != nil {
		text, err := readUpTo(e.stderrReader, size)
		if err != nil {
			return err
		}
		reply.Stderr = &text
		remain, err := e.remaining(e.childStderr, e.stderrReader)
		if err != nil {
			return err
		}
		reply.StderrRemain = &remain
	}
	return nil
}

// readUpTo reads at most size bytes, or everything up to EOF when size is
// negative. Reading at EOF yields an empty string, never an error.
func readUpTo(r io.Reader, size int) (string, error) {
	src := r
	if size >= 0 {
		src = io.LimitReader(r, int64(size))
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	return sanitize(data), nil
}

// remaining is the gap between the spool file's size (the child appends, so
// its write position is the file size) and the tail reader's offset.
func (e *Executor) remaining(writer, reader *os.File) (int64, error) {
	info, err := writer.Stat()
	if err != nil {
		return 0, err
	}
	pos, err := reader.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return info.Size() - pos, nil
}

// Wait blocks until the waiter has recorded the child's exit code.
func (e *Executor) Wait() {
	<-e.done
}

// ExitCode returns the recorded exit status; Exited is false while the
// child is still running.
func (e *Executor) ExitCode() envelope.ExitCode {
	select {
	case <-e.done:
		return envelope.ExitCode{Code: e.exitCode, Exited: true}
	default:
		return envelope.ExitCode{}
	}
}

// Clear closes every handle and removes the spool files. The slot itself is
// released by the dispatcher.
func (e *Executor) Clear() {
	e.closeHandles()
	e.removeSpools()
}

func (e *Executor) closeHandles() {
	for _, f := range []*os.File{e.childStdout, e.childStderr, e.stdoutReader, e.stderrReader} {
		if f != nil {
			f.Close()
		}
	}
}

// removeSpools unlinks the spool paths; /dev/null writers are skipped.
func (e *Executor) removeSpools() {
	for _, f := range []*os.File{e.stdoutReader, e.stderrReader} {
		if f != nil {
			os.Remove(f.Name())
		}
	}
}
