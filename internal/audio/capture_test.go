package audio

import (
	"sync"
	"testing"

	"github.com/parlolabs/parlo-core/internal/protocol"
)

func TestStreamCloseDuringDeliveryBurst(t *testing.T) {
	stream := &captureStream{frames: make(chan protocol.AudioFrame, 4)}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				stream.deliver(protocol.AudioFrame{Sequence: i})
			}
		}()
	}

	// Close mid-burst; sends racing the close must not panic.
	done := make(chan struct{})
	go func() {
		for range stream.frames {
		}
		close(done)
	}()
	stream.close()
	wg.Wait()
	<-done

	if sent, open := stream.deliver(protocol.AudioFrame{}); sent || open {
		t.Fatalf("delivery after close must report the stream closed, got sent=%v open=%v", sent, open)
	}
	// A second close is a no-op.
	stream.close()
}

func TestStreamDeliverReportsFullBuffer(t *testing.T) {
	stream := &captureStream{frames: make(chan protocol.AudioFrame, 1)}

	if sent, open := stream.deliver(protocol.AudioFrame{Sequence: 1}); !sent || !open {
		t.Fatalf("first frame should fit, got sent=%v open=%v", sent, open)
	}
	if sent, open := stream.deliver(protocol.AudioFrame{Sequence: 2}); sent || !open {
		t.Fatalf("full buffer should drop without closing, got sent=%v open=%v", sent, open)
	}

	frame := <-stream.frames
	if frame.Sequence != 1 {
		t.Fatalf("expected the first frame, got %d", frame.Sequence)
	}
}
