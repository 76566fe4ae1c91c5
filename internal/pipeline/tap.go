package pipeline

import (
	"github.com/Laisky/zap"

	"github.com/mcowger/plexus/internal/logger"
)

// tapBufferSize bounds how many chunks a tap's sink can lag behind the
// forwarded stream before chunks start dropping.
const tapBufferSize = 64

// tap duplicates every chunk passed to Write into sink, without ever
// blocking the caller: when sink falls more than tapBufferSize chunks
// behind, new chunks are dropped (with a warning) rather than applying
// backpressure to the client-facing stream.
type tap struct {
	name string
	ch   chan []byte
	done chan struct{}
}

// newTap starts a tap's background drain goroutine, calling sink for
// every chunk it manages to deliver. Call close when the stream ends.
func newTap(name string, sink func(chunk []byte)) *tap {
	t := &tap{name: name, ch: make(chan []byte, tapBufferSize), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		for chunk := range t.ch {
			sink(chunk)
		}
	}()
	return t
}

// write forwards a copy of chunk to the sink, dropping it with a logged
// warning if the sink's buffer is full.
func (t *tap) write(chunk []byte) {
	cp := append([]byte(nil), chunk...)
	select {
	case t.ch <- cp:
	default:
		logger.Logger.Warn("debug tap sink fell behind, dropping chunk",
			zap.String("tap", t.name))
	}
}

// close stops accepting writes and waits for the sink goroutine to drain.
func (t *tap) close() {
	close(t.ch)
	<-t.done
}
