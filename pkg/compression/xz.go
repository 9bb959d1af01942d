package compression

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ulikunitz/xz"
)

// ErrXZBinAbsPath is returned when ATTIC_XZ_BIN is set but not an
// absolute path.
var ErrXZBinAbsPath = errors.New("ATTIC_XZ_BIN must be an absolute path")

func newXzEncoder(w io.Writer) (io.WriteCloser, error) {
	return xz.NewWriter(w)
}

// decompressXz decompresses an xz stream using the system's xz binary if
// one is found on PATH (or named by ATTIC_XZ_BIN), falling back to the
// pure-Go ulikunitz/xz decoder otherwise. The external binary is
// preferred because it is typically faster and uses bounded memory
// regardless of dictionary size.
func decompressXz(ctx context.Context, r io.Reader) (io.ReadCloser, error) {
	p, err := xzBinPath()
	if err != nil {
		return decompressXzInternal(r)
	}

	return decompressXzCommand(ctx, p, r)
}

func xzBinPath() (string, error) {
	if p := os.Getenv("ATTIC_XZ_BIN"); p != "" {
		if !filepath.IsAbs(p) {
			return "", ErrXZBinAbsPath
		}

		return p, nil
	}

	return exec.LookPath("xz")
}

func decompressXzInternal(r io.Reader) (io.ReadCloser, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("xz: %w", err)
	}

	return io.NopCloser(xr), nil
}

type xzReadCloser struct {
	reader io.Reader
	stdout io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	waitOnce sync.Once
	waitErr  error
}

func (x *xzReadCloser) Read(p []byte) (int, error) {
	n, err := x.reader.Read(p)
	if errors.Is(err, io.EOF) {
		x.wait()

		if x.waitErr != nil {
			return n, fmt.Errorf("xz decompression failed: %w, stderr: %s", x.waitErr, x.stderr.String())
		}
	}

	return n, err
}

func (x *xzReadCloser) wait() {
	x.waitOnce.Do(func() {
		x.waitErr = x.cmd.Wait()
	})
}

func (x *xzReadCloser) Close() error {
	closeErr := x.stdout.Close()
	if closeErr != nil && (errors.Is(closeErr, os.ErrClosed) ||
		errors.Is(closeErr, os.ErrInvalid) ||
		strings.Contains(closeErr.Error(), "file already closed")) {
		closeErr = nil
	}

	x.wait()

	if x.waitErr != nil {
		return fmt.Errorf("xz decompression failed: %w, stderr: %s", x.waitErr, x.stderr.String())
	}

	return closeErr
}

func decompressXzCommand(ctx context.Context, path string, r io.Reader) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, path, "-d", "-c")
	cmd.Stdin = r

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start xz process: %w", err)
	}

	br := bufio.NewReader(stdout)
	_, peekErr := br.Peek(1)

	xrc := &xzReadCloser{
		reader: br,
		stdout: stdout,
		cmd:    cmd,
		stderr: &stderr,
	}

	if peekErr != nil {
		xrc.wait()

		if xrc.waitErr != nil {
			return nil, fmt.Errorf("xz decompression failed: %w, stderr: %s", xrc.waitErr, stderr.String())
		}
	}

	return xrc, nil
}
