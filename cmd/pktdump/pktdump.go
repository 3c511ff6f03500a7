package main

// pktdump subscribes to a varlet data port and prints the packet headers
// as they arrive, to check what a daemon is publishing.

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	zmq "github.com/pebbe/zmq4"

	"github.com/usnistgov/varlet/packets"
)

func describe(h *packets.Header) string {
	flags := ""
	if h.Flags&packets.FlagTriggered != 0 {
		flags += " triggered"
	}
	if h.Flags&packets.FlagEndOfRun != 0 {
		flags += " end-of-run"
	}
	return fmt.Sprintf("first sample %10d: %6d units of %d bytes, %d channels at %d Hz%s",
		h.FirstSample, h.SampleCount, h.UnitSize, h.Nchan, h.SampleRate, flags)
}

func dump(host string, port int, npackets int, hexdump bool) error {
	subSocket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return err
	}
	defer subSocket.Close()
	address := fmt.Sprintf("tcp://%s:%d", host, port)
	if err = subSocket.Connect(address); err != nil {
		return err
	}
	if err = subSocket.SetSubscribe(""); err != nil {
		return err
	}
	fmt.Println("Listening for data packets on", address)

	for count := 0; npackets <= 0 || count < npackets; count++ {
		frames, err := subSocket.RecvMessageBytes(0)
		if err != nil {
			return err
		}
		if len(frames) < 2 {
			fmt.Printf("message of %d frames, want 2\n", len(frames))
			continue
		}
		h, err := packets.ReadHeader(bytes.NewReader(frames[0]))
		if err != nil {
			fmt.Println("bad header:", err)
			continue
		}
		fmt.Println(describe(h))
		if hexdump && len(frames[1]) > 0 {
			max := len(frames[1])
			if max > 256 {
				max = 256
			}
			fmt.Print(hex.Dump(frames[1][:max]))
		}
	}
	return nil
}

func main() {
	host := flag.String("host", "localhost", "host where the varlet daemon runs")
	port := flag.Int("port", 5502, "data port to subscribe to")
	npackets := flag.Int("n", 0, "stop after this many packets (0 means run until killed)")
	hexdump := flag.Bool("hex", false, "hex-dump the first 256 payload bytes of each packet")
	flag.Usage = func() {
		fmt.Println("pktdump, a program to print the packet stream published by a varlet daemon")
		fmt.Println("Usage:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := dump(*host, *port, *npackets, *hexdump); err != nil {
		log.Fatal(err)
	}
}
