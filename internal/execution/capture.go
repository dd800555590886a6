package execution

import (
	"bytes"
	"io"
	"reflect"
	"sync"
)

type captureBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newCaptureBuffer() *captureBuffer {
	return &captureBuffer{}
}

func (c *captureBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	n, err := c.buf.Write(p)
	c.mu.Unlock()
	return n, err
}

func (c *captureBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// outputCapture keeps stdout, stderr and their interleaving for one command.
type outputCapture struct {
	stdout   *captureBuffer
	stderr   *captureBuffer
	combined *captureBuffer
}

func newOutputCapture(disabled bool) *outputCapture {
	if disabled {
		return &outputCapture{}
	}
	return &outputCapture{
		stdout:   newCaptureBuffer(),
		stderr:   newCaptureBuffer(),
		combined: newCaptureBuffer(),
	}
}

func (o *outputCapture) stdoutWriter() io.Writer {
	return multiWriterFiltered(nilIfEmpty(o.stdout), nilIfEmpty(o.combined))
}

func (o *outputCapture) stderrWriter() io.Writer {
	return multiWriterFiltered(nilIfEmpty(o.stderr), nilIfEmpty(o.combined))
}

func (o *outputCapture) result() CommandResult {
	if o.combined == nil {
		return CommandResult{}
	}
	return CommandResult{
		Output: o.combined.String(),
		Stdout: o.stdout.String(),
		Stderr: o.stderr.String(),
	}
}

// nilIfEmpty avoids handing a typed nil pointer to io.MultiWriter.
func nilIfEmpty(c *captureBuffer) io.Writer {
	if c == nil {
		return nil
	}
	return c
}

// multiWriterFiltered drops nil writers and writers that appear twice, so a
// caller passing the same buffer for stdout and stderr does not see every byte doubled.
func multiWriterFiltered(writers ...io.Writer) io.Writer {
	filtered := make([]io.Writer, 0, len(writers))
	seenPtrs := map[uintptr]struct{}{}
	for _, w := range writers {
		if w == nil {
			continue
		}
		rv := reflect.ValueOf(w)
		if rv.Kind() == reflect.Pointer || rv.Kind() == reflect.UnsafePointer {
			ptr := rv.Pointer()
			if _, ok := seenPtrs[ptr]; ok {
				continue
			}
			seenPtrs[ptr] = struct{}{}
		}
		filtered = append(filtered, w)
	}
	if len(filtered) == 0 {
		return io.Discard
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return io.MultiWriter(filtered...)
}
