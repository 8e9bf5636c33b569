// Package stdio is the pipe transport: newline-delimited JSON-RPC messages
// on stdin, responses on stdout, logs strictly on stderr so the protocol
// stream stays clean.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/alecgard/peage/internal/rpc"
)

// maxLineSize bounds a single inbound message (1 MB, matching the HTTP
// transport's body limit).
const maxLineSize = 1 << 20

// Runner pumps one stdio session. The credential is read once at startup
// from the environment and applies to the whole session.
type Runner struct {
	core       *rpc.Core
	in         io.Reader
	out        io.Writer
	credential string
}

// New creates a Runner over the given pipe pair.
func New(core *rpc.Core, in io.Reader, out io.Writer, credential string) *Runner {
	return &Runner{core: core, in: in, out: out, credential: credential}
}

// Run serves the session until the input side is closed or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ch := &pipeChannel{
		scanner:    bufio.NewScanner(r.in),
		out:        r.out,
		credential: r.credential,
	}
	ch.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return r.core.Serve(ctx, ch)
}

// pipeChannel adapts a line-framed reader/writer pair to rpc.Channel.
type pipeChannel struct {
	scanner    *bufio.Scanner
	out        io.Writer
	outMu      sync.Mutex
	credential string
}

// Receive blocks in Scan until a full line arrives or the input closes. The
// context is only checked between messages; a cancellation during a read
// takes effect once the current line completes or the pipe closes.
func (c *pipeChannel) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading message line: %w", err)
		}
		return nil, io.EOF
	}
	// Copy: the scanner reuses its buffer on the next Scan.
	line := c.scanner.Bytes()
	msg := make([]byte, len(line))
	copy(msg, line)
	return msg, nil
}

func (c *pipeChannel) Send(ctx context.Context, msg []byte) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := c.out.Write(msg); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	if _, err := c.out.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("writing frame delimiter: %w", err)
	}
	return nil
}

func (c *pipeChannel) Credential() string { return c.credential }

func (c *pipeChannel) Transport() string { return "pipe" }
