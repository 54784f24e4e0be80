package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// TCPSource reads length-prefixed msgpack frames from a CSI collector and
// reconnects with exponential backoff when the connection drops.
type TCPSource struct {
	address   string
	sink      Sink
	reconnect ReconnectConfig
	dialer    net.Dialer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	isRunning bool
	conn      net.Conn
	startTime time.Time

	seq           uint64
	framesPushed  uint64
	framesDropped uint64
	bytesRead     uint64
	errors        uint64
	reconnects    uint32
	connected     atomic.Bool
}

// NewTCPSource creates a source for the collector at address (host:port)
func NewTCPSource(address string, sink Sink, reconnect ReconnectConfig) *TCPSource {
	return &TCPSource{
		address:   address,
		sink:      sink,
		reconnect: reconnect,
		dialer:    net.Dialer{Timeout: 5 * time.Second},
	}
}

// Start connects in the background and begins streaming
func (s *TCPSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return ErrAlreadyRunning
	}
	s.isRunning = true
	s.startTime = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	slog.Info("tcp csi source starting", "address", s.address)

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop closes the connection and waits for the reader to exit
func (s *TCPSource) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.cancel()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	slog.Info("tcp csi source stopped",
		"address", s.address,
		"frames_pushed", atomic.LoadUint64(&s.framesPushed),
		"reconnects", atomic.LoadUint32(&s.reconnects),
	)
	return nil
}

// Stats returns source statistics
func (s *TCPSource) Stats() types.StreamStats {
	s.mu.Lock()
	start := s.startTime
	running := s.isRunning
	s.mu.Unlock()

	pushed := atomic.LoadUint64(&s.framesPushed)
	var rateReal float64
	if running && pushed > 0 {
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			rateReal = float64(pushed) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:    atomic.LoadUint64(&s.seq),
		FramesPushed:  pushed,
		FramesDropped: atomic.LoadUint64(&s.framesDropped),
		RateRealHz:    rateReal,
		Source:        "tcp://" + s.address,
		Reconnects:    atomic.LoadUint32(&s.reconnects),
		BytesRead:     atomic.LoadUint64(&s.bytesRead),
		IsConnected:   s.connected.Load(),
		Errors:        atomic.LoadUint64(&s.errors),
	}
}

func (s *TCPSource) run(ctx context.Context) {
	defer s.wg.Done()

	state := &ReconnectState{Reconnects: &s.reconnects}
	for {
		var conn net.Conn
		err := RunWithReconnect(ctx, func(ctx context.Context) error {
			c, err := s.dialer.DialContext(ctx, "tcp", s.address)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, s.reconnect, state)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("tcp csi source giving up", "address", s.address, "error", err)
			}
			return
		}

		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		s.connected.Store(true)
		slog.Info("connected to csi collector", "address", s.address)

		err = s.readFrames(conn)
		s.connected.Store(false)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		atomic.AddUint64(&s.errors, 1)
		slog.Warn("csi collector connection lost", "address", s.address, "error", err)
	}
}

func (s *TCPSource) readFrames(conn net.Conn) error {
	dec := NewDecoder(conn)
	var last uint64
	for {
		frame, err := dec.Decode()
		n := dec.BytesRead()
		atomic.AddUint64(&s.bytesRead, n-last)
		last = n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("collector closed connection")
			}
			return err
		}

		frame.Seq = atomic.AddUint64(&s.seq, 1) - 1
		if frame.Timestamp.IsZero() {
			frame.Timestamp = time.Now()
		}
		if frame.TraceID == "" {
			frame.TraceID = uuid.New().String()
		}

		if err := s.sink.Push(frame); err != nil {
			atomic.AddUint64(&s.framesDropped, 1)
			slog.Debug("collector frame not accepted", "seq", frame.Seq, "error", err)
			continue
		}
		atomic.AddUint64(&s.framesPushed, 1)
	}
}
