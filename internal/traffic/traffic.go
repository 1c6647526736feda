// Package traffic counts and optionally shapes the bytes moved by all
// connections of a process.
package traffic

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Interval is the window the "current" counters cover.
const Interval = time.Second

// Snapshot is a point-in-time read of a Meter.
type Snapshot struct {
	ReadSum  int64 `json:"readSum"`
	Read     int64 `json:"read"`
	WriteSum int64 `json:"writeSum"`
	Write    int64 `json:"write"`
}

// Meter holds cumulative byte counts and the counts of the last complete
// interval. Reads are bytes received from a peer, writes are bytes sent.
//
// Read and write limits are shared by every connection wrapped with the
// same Meter. A zero limit is unlimited.
type Meter struct {
	readSum, writeSum   atomic.Int64
	readCur, writeCur   atomic.Int64
	readLast, writeLast atomic.Int64

	readLimit, writeLimit *rate.Limiter
}

func NewMeter(readLimit, writeLimit int) *Meter {
	return &Meter{
		readLimit:  newLimiter(readLimit),
		writeLimit: newLimiter(writeLimit),
	}
}

func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
}

// Run rotates the current counters every Interval until ctx is done.
func (m *Meter) Run(ctx context.Context) {
	t := time.NewTicker(Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Rotate()
		}
	}
}

// Rotate closes the current interval.
func (m *Meter) Rotate() {
	m.readLast.Store(m.readCur.Swap(0))
	m.writeLast.Store(m.writeCur.Swap(0))
}

func (m *Meter) AddRead(n int) {
	m.readSum.Add(int64(n))
	m.readCur.Add(int64(n))
}

func (m *Meter) AddWrite(n int) {
	m.writeSum.Add(int64(n))
	m.writeCur.Add(int64(n))
}

func (m *Meter) Snapshot() Snapshot {
	return Snapshot{
		ReadSum:  m.readSum.Load(),
		Read:     m.readLast.Load(),
		WriteSum: m.writeSum.Load(),
		Write:    m.writeLast.Load(),
	}
}

// Conn returns c with its traffic counted by m and shaped by m's limits.
func (m *Meter) Conn(c net.Conn) net.Conn {
	return &conn{Conn: c, m: m}
}

type conn struct {
	net.Conn
	m *Meter
}

func (c *conn) Read(b []byte) (int, error) {
	if l := c.m.readLimit; l != nil && len(b) > l.Burst() {
		b = b[:l.Burst()]
	}
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.m.AddRead(n)
		if werr := wait(c.m.readLimit, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

func (c *conn) Write(b []byte) (int, error) {
	l := c.m.writeLimit
	if l == nil {
		n, err := c.Conn.Write(b)
		c.m.AddWrite(n)
		return n, err
	}

	var total int
	for len(b) > 0 {
		chunk := b[:min(len(b), l.Burst())]
		if err := wait(l, len(chunk)); err != nil {
			return total, err
		}
		n, err := c.Conn.Write(chunk)
		total += n
		c.m.AddWrite(n)
		if err != nil {
			return total, err
		}
		b = b[n:]
	}
	return total, nil
}

func wait(l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	return l.WaitN(context.Background(), n)
}
