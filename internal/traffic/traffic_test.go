package traffic

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestMeterCounts(t *testing.T) {
	m := NewMeter(0, 0)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	counted := m.Conn(a)

	go func() {
		_, _ = b.Write([]byte("hello"))
		buf := make([]byte, 3)
		_, _ = io.ReadFull(b, buf)
	}()

	buf := make([]byte, 5)
	if _, err := io.ReadFull(counted, buf); err != nil {
		t.Fatal(err)
	}
	if _, err := counted.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}

	s := m.Snapshot()
	if s.ReadSum != 5 || s.WriteSum != 3 {
		t.Fatalf("snapshot %+v", s)
	}
	if s.Read != 0 || s.Write != 0 {
		t.Fatalf("current counters moved before rotation: %+v", s)
	}

	m.Rotate()
	s = m.Snapshot()
	if s.Read != 5 || s.Write != 3 {
		t.Fatalf("after rotate %+v", s)
	}
	m.Rotate()
	s = m.Snapshot()
	if s.Read != 0 || s.Write != 0 || s.ReadSum != 5 || s.WriteSum != 3 {
		t.Fatalf("after idle interval %+v", s)
	}
}

func TestWriteLimit(t *testing.T) {
	const limit = 4096
	m := NewMeter(0, limit)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	payload := bytes.Repeat([]byte{7}, 3*limit)
	done := make(chan []byte)
	go func() {
		got, _ := io.ReadAll(io.LimitReader(b, int64(len(payload))))
		done <- got
	}()

	start := time.Now()
	n, err := m.Conn(a).Write(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("wrote %d: %v", n, err)
	}
	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond {
		t.Fatalf("%d bytes at %d B/s took only %s", len(payload), limit, elapsed)
	}
	if got := <-done; !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted")
	}
}

func TestRun(t *testing.T) {
	m := NewMeter(0, 0)
	m.AddRead(10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for m.Snapshot().Read != 10 {
		if time.Now().After(deadline) {
			t.Fatal("counters never rotated")
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done
}
