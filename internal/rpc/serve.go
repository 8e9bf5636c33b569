package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Channel is one persistent bidirectional message stream. Receive blocks
// until a message arrives and returns io.EOF when the peer is done. Send
// delivers one serialized response; Serve guarantees Send is never called
// concurrently.
type Channel interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, msg []byte) error
	Credential() string
	Transport() string
}

// Serve pumps a persistent channel: each inbound message is handled on its
// own goroutine so a slow tool call never blocks the read loop, while a
// single writer mutex keeps response frames from interleaving. Serve returns
// once the channel is drained and all in-flight handlers have finished.
func (c *Core) Serve(ctx context.Context, ch Channel) error {
	var (
		wg     sync.WaitGroup
		sendMu sync.Mutex
	)
	defer wg.Wait()

	credential := ch.Credential()
	transport := ch.Transport()

	for {
		raw, err := ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if len(raw) == 0 {
			continue
		}

		wg.Add(1)
		go func(msg []byte) {
			defer wg.Done()
			resp := c.Handle(ctx, credential, msg, transport)
			if resp == nil {
				return
			}
			sendMu.Lock()
			defer sendMu.Unlock()
			if err := ch.Send(ctx, resp); err != nil {
				slog.Warn("failed to send rpc response", "transport", transport, "error", err)
			}
		}(raw)
	}
}
