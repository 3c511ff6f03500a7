// Package asyncbufio decouples file output from the goroutine producing
// the data: chunks go into a channel, and a background goroutine drains
// them into a bufio.Writer, flushing on a timer.
package asyncbufio

import (
	"bufio"
	"io"
	"time"
)

// Writer queues byte chunks for a background goroutine to write. A chunk
// handed to Write must not be modified afterwards.
type Writer struct {
	chunks   chan []byte
	requests chan chan struct{} // flush requests, each answered when done
	done     chan struct{}
}

// NewWriter starts writing to w through a buffer. Up to depth chunks are
// held before Write starts failing, and the buffer is flushed every
// interval even when no Flush is requested.
func NewWriter(w io.Writer, depth int, interval time.Duration) *Writer {
	aw := &Writer{
		chunks:   make(chan []byte, depth),
		requests: make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	go aw.drain(bufio.NewWriter(w), interval)
	return aw
}

// Write queues p without blocking. When the queue is full it returns
// io.ErrShortWrite, and the caller can Flush and retry.
func (aw *Writer) Write(p []byte) (int, error) {
	select {
	case aw.chunks <- p:
		return len(p), nil
	default:
		return 0, io.ErrShortWrite
	}
}

// WriteString queues s, copying it into fresh bytes.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Flush writes everything queued so far and returns once the underlying
// writer has been flushed.
func (aw *Writer) Flush() error {
	reply := make(chan struct{})
	aw.requests <- reply
	<-reply
	return nil
}

// Close flushes all queued data and stops the background goroutine.
// Calling Flush or Close again afterwards panics.
func (aw *Writer) Close() {
	close(aw.requests)
	<-aw.done
}

func (aw *Writer) drain(w *bufio.Writer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case p := <-aw.chunks:
			w.Write(p)

		case reply, ok := <-aw.requests:
			aw.empty(w)
			if !ok { // closed: the final flush is done, so quit
				close(aw.done)
				return
			}
			reply <- struct{}{}

		case <-ticker.C:
			aw.empty(w)
		}
	}
}

// empty moves every queued chunk into the bufio.Writer, then flushes it.
func (aw *Writer) empty(w *bufio.Writer) {
	for {
		select {
		case p := <-aw.chunks:
			w.Write(p)
		default:
			w.Flush()
			return
		}
	}
}
