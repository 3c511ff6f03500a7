// Package unboundedchan bridges two channels with an unbounded FIFO
// queue, so senders never block no matter how slow the receiver is.
package unboundedchan

// UnboundedChannel accepts values on In and replays them in order on
// Out, buffering any backlog in memory. Closing In drains the backlog
// to Out and then closes it.
//
// The backlog grows without limit when the receiver cannot keep up;
// use pointers for large element types.
type UnboundedChannel[T any] struct {
	in  chan T
	out chan T
}

// NewUnboundedChannel creates an UnboundedChannel and starts its
// forwarding goroutine.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.forward()
	return uc
}

// In returns the channel to send into. Close it to shut the queue down.
func (uc *UnboundedChannel[T]) In() chan<- T { return uc.in }

// Out returns the channel on which the queued values arrive.
func (uc *UnboundedChannel[T]) Out() <-chan T { return uc.out }

func (uc *UnboundedChannel[T]) forward() {
	defer close(uc.out)
	var backlog []T
	head := 0
	for {
		if head == len(backlog) {
			// Nothing queued: only wait for input.
			val, ok := <-uc.in
			if !ok {
				return
			}
			backlog = append(backlog[:0], val)
			head = 0
		}
		select {
		case uc.out <- backlog[head]:
			head++
		case val, ok := <-uc.in:
			if !ok {
				// Input is done: deliver what remains, then quit.
				for _, v := range backlog[head:] {
					uc.out <- v
				}
				return
			}
			backlog = append(backlog, val)
		}
	}
}
