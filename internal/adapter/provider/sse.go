package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
)

// sseEvent is one decoded server-sent event.
type sseEvent struct {
	Text string
	Err  error // in-band backend error or read failure; always the last event
}

// errSkip tells readSSE to drop a data line without ending the stream.
var errSkip = errors.New("skip sse line")

// readSSE reads "data: <json>" lines from body and decodes each one with
// decode. The read loop checks ctx before every line, and a cancelled ctx
// closes body so a blocked read returns. The channel is closed, and body
// closed, when the stream ends; callers must drain it.
func readSSE(ctx context.Context, body io.ReadCloser, decode func(data []byte) (string, error)) <-chan sseEvent {
	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()
		stop := context.AfterFunc(ctx, func() { body.Close() })
		defer stop()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)
			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			text, err := decode(data)
			if errors.Is(err, errSkip) {
				continue
			}
			if err != nil {
				send(ctx, ch, sseEvent{Err: err})
				return
			}
			if text == "" {
				continue
			}
			if !send(ctx, ch, sseEvent{Text: text}) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(ctx, ch, sseEvent{Err: err})
		}
	}()
	return ch
}

func send(ctx context.Context, ch chan<- sseEvent, ev sseEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
