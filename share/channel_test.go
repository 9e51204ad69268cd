package share

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestChannelRequestResponseFIFO(t *testing.T) {
	c := NewChannel()

	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, chunk := range chunks {
		c.PushRequest(chunk)
	}
	for _, want := range chunks {
		got, ok := c.PullRequest()
		if !ok {
			t.Fatalf("PullRequest returned ok=false before Close")
		}
		if string(got) != string(want) {
			t.Errorf("PullRequest returned %q, want %q", got, want)
		}
	}

	for _, chunk := range chunks {
		c.PushResponse(chunk)
	}
	for _, want := range chunks {
		got, ok := c.PullResponse()
		if !ok {
			t.Fatalf("PullResponse returned ok=false before Close")
		}
		if string(got) != string(want) {
			t.Errorf("PullResponse returned %q, want %q", got, want)
		}
	}
}

func TestChannelRequestResponseIndependent(t *testing.T) {
	c := NewChannel()
	c.PushRequest([]byte("req"))
	c.PushResponse([]byte("res"))

	res, ok := c.PullResponse()
	if !ok || string(res) != "res" {
		t.Fatalf("PullResponse = %q, %v; want \"res\", true", res, ok)
	}
	req, ok := c.PullRequest()
	if !ok || string(req) != "req" {
		t.Fatalf("PullRequest = %q, %v; want \"req\", true", req, ok)
	}
}

func TestChannelPullBlocksUntilPush(t *testing.T) {
	c := NewChannel()
	done := make(chan []byte, 1)
	go func() {
		chunk, ok := c.PullRequest()
		if !ok {
			done <- nil
			return
		}
		done <- chunk
	}()

	select {
	case <-done:
		t.Fatalf("PullRequest returned before any chunk was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	c.PushRequest([]byte("late"))

	select {
	case chunk := <-done:
		if string(chunk) != "late" {
			t.Errorf("got %q, want \"late\"", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("PullRequest never returned after push")
	}
}

func TestChannelCloseUnblocksPull(t *testing.T) {
	c := NewChannel()
	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := c.PullRequest()
			results[i] = ok
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	c.Close()
	wg.Wait()
	for i, ok := range results {
		if ok {
			t.Errorf("PullRequest[%d] returned ok=true after Close", i)
		}
	}
}

// TestChannelRandomChunkingsYieldIdenticalOutput is spec.md §8 property (a):
// random chunkings of the same byte stream yield identical end-to-end
// output. The FIFO byteQueue behind Channel never reorders or merges
// chunks, so however a stream is sliced before being pushed, pulling and
// concatenating it back reproduces the original bytes exactly.
func TestChannelRandomChunkingsYieldIdenticalOutput(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	stream := make([]byte, 64*1024)
	r.Read(stream)

	for trial := 0; trial < 20; trial++ {
		c := NewChannel()
		var chunks [][]byte
		for off := 0; off < len(stream); {
			n := 1 + r.Intn(513)
			if off+n > len(stream) {
				n = len(stream) - off
			}
			chunk := make([]byte, n)
			copy(chunk, stream[off:off+n])
			chunks = append(chunks, chunk)
			off += n
		}

		done := make(chan []byte, 1)
		go func() {
			var got bytes.Buffer
			for i := 0; i < len(chunks); i++ {
				chunk, ok := c.PullRequest()
				if !ok {
					break
				}
				got.Write(chunk)
			}
			done <- got.Bytes()
		}()

		for _, chunk := range chunks {
			c.PushRequest(chunk)
		}

		got := <-done
		if !bytes.Equal(got, stream) {
			t.Fatalf("trial %d: reassembled %d bytes differ from the original %d-byte stream", trial, len(got), len(stream))
		}
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	c := NewChannel()
	c.Close()
	c.Close()
	if _, ok := c.PullRequest(); ok {
		t.Errorf("PullRequest returned ok=true on a closed Channel")
	}
}
