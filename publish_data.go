package varlet

// Contain the DataPublisher, which serializes sample blocks into varlet's
// packet format and publishes them on the ZMQ data port.

import (
	"fmt"

	zmq "github.com/pebbe/zmq4"

	"github.com/usnistgov/varlet/internal/unboundedchan"
	"github.com/usnistgov/varlet/packets"
)

// DataPublisher publishes one 2-frame ZMQ message (header, then raw sample
// units) per data block. Blocks pass through an unbounded queue, so the
// acquisition loop never stalls behind a slow subscriber.
type DataPublisher struct {
	queue *unboundedchan.UnboundedChannel[*dataBlock]
}

// NewDataPublisher starts a publisher on the given TCP port.
func NewDataPublisher(portnum int) *DataPublisher {
	dp := &DataPublisher{queue: unboundedchan.NewUnboundedChannel[*dataBlock]()}
	go dp.run(portnum)
	return dp
}

// PublishBlock queues one block for publication. It does not block, apart
// from the queue's internal handoff.
func (dp *DataPublisher) PublishBlock(b *dataBlock) {
	dp.queue.In() <- b
}

// Close shuts down the publisher after the queued blocks have been sent.
func (dp *DataPublisher) Close() {
	close(dp.queue.In())
}

func (dp *DataPublisher) run(portnum int) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err == nil {
		defer pubSocket.Close()
		err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portnum))
	}
	if err != nil {
		ProblemLogger.Printf("could not publish data on port %d: %v", portnum, err)
		for range dp.queue.Out() {
			// discard; there is nowhere to send these
		}
		return
	}

	for block := range dp.queue.Out() {
		header, payload := blockFrames(block)
		pubSocket.SendBytes(header, zmq.SNDMORE)
		pubSocket.SendBytes(payload, 0)
	}
}

// blockFrames builds the two message frames that represent a data block
// on the wire.
func blockFrames(b *dataBlock) ([]byte, []byte) {
	h := packets.Header{
		Version:     packets.Version,
		UnitSize:    uint8(b.unitSize),
		Nchan:       uint16(b.nchan),
		SampleCount: uint32(b.nsamp),
		FirstSample: b.firstSample,
		SampleRate:  b.sampleRate,
	}
	if b.triggered {
		h.Flags |= packets.FlagTriggered
	}
	if b.endOfRun {
		h.Flags |= packets.FlagEndOfRun
	}
	return h.Bytes(), b.data
}
