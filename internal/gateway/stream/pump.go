package stream

import (
	"context"
	"errors"
	"io"
)

const readBufferSize = 4096

// EmitFunc delivers one event to the caller. A non-nil error means the
// caller can no longer be written to.
type EmitFunc func(Event) error

// Pump reads body into n and emits events in arrival order until the stream
// is done, the body fails, ctx is cancelled, or emit fails.
//
// On a clean end or an upstream read failure the last emitted event is the
// [DONE] sentinel. When ctx is cancelled or emit fails the normalizer is
// aborted and Pump returns immediately without draining the body; the caller
// closes the body to release the connection.
func Pump(ctx context.Context, body io.Reader, n *Normalizer, emit EmitFunc) error {
	buf := make([]byte, readBufferSize)

	emitAll := func(events []Event) error {
		for _, ev := range events {
			if err := emit(ev); err != nil {
				n.Abort()
				return err
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			n.Abort()
			return err
		}

		k, readErr := body.Read(buf)
		if k > 0 {
			if err := emitAll(n.Ingest(buf[:k])); err != nil {
				return err
			}
		}
		if n.State() == Done {
			return nil
		}

		if readErr == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			n.Abort()
			return ctxErr
		}

		var cause error
		if !errors.Is(readErr, io.EOF) {
			cause = readErr
		}
		if err := emitAll(n.Finish(cause)); err != nil {
			return err
		}
		return cause
	}
}
