package media

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	maxRTPPacket = 1500
	rtpVersion   = 2

	// How long the reader blocks before re-checking the stopped flag.
	readDeadline = 100 * time.Millisecond

	defaultQueueSize = 64
)

// EndpointConfig carries the negotiated media parameters for one call.
type EndpointConfig struct {
	// PayloadType is the negotiated codec (PayloadPCMU, PayloadPCMA, PayloadG729).
	PayloadType int

	// QueueSize bounds the inbound packet queue. Zero means defaultQueueSize.
	QueueSize int
}

// Endpoint owns one UDP socket pair for the lifetime of a call. Inbound RTP
// is exposed as a lazy packet stream; outbound PCM16 at the model rate is
// resampled, G.711-encoded, framed and paced at 20 ms.
type Endpoint struct {
	pool   *Pool
	cfg    EndpointConfig
	logger *slog.Logger

	pair *SocketPair

	// Outbound RTP state, guarded by sendMu.
	sendMu sync.Mutex
	ssrc   uint32
	seq    uint16
	ts     uint32

	// Remote peer address: set from SDP or learned from the first inbound
	// packet, whichever arrives first (symmetric RTP).
	remote atomic.Pointer[net.UDPAddr]

	stopped  atomic.Bool
	stopOnce sync.Once

	streamOnce sync.Once
	packets    chan *rtp.Packet

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	dropped    atomic.Uint64
}

// NewEndpoint creates an endpoint drawing its socket pair from pool.
// Start must be called before any other method.
func NewEndpoint(pool *Pool, cfg EndpointConfig, logger *slog.Logger) *Endpoint {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Endpoint{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With("subsystem", "rtp-endpoint"),
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.UintN(65536)),
		ts:     rand.Uint32(),
	}
}

// Start binds the endpoint's socket pair and returns the local RTP port.
func (e *Endpoint) Start() (int, error) {
	pair, err := e.pool.Allocate()
	if err != nil {
		return 0, fmt.Errorf("allocating rtp socket pair: %w", err)
	}
	e.pair = pair
	e.logger = e.logger.With("rtp_port", pair.Ports.RTP)
	return pair.Ports.RTP, nil
}

// Stop closes the socket and ends the packet stream. Safe to call more
// than once and safe to call concurrently with the reader.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		if e.pair != nil {
			e.pool.Release(e.pair)
		}
	})
}

// Port returns the local RTP port, or 0 before Start.
func (e *Endpoint) Port() int {
	if e.pair == nil {
		return 0
	}
	return e.pair.Ports.RTP
}

// SetRemote records the peer's RTP address from SDP. A previously learned
// address is overwritten only if none was known.
func (e *Endpoint) SetRemote(addr *net.UDPAddr) {
	if addr == nil || addr.Port == 0 {
		return
	}
	e.remote.CompareAndSwap(nil, addr)
}

// Remote returns the current peer address, or nil if not yet known.
func (e *Endpoint) Remote() *net.UDPAddr {
	return e.remote.Load()
}

// Packets returns the inbound packet stream. The reader goroutine starts on
// first call; the channel is closed when Stop is called or the socket errors.
func (e *Endpoint) Packets() <-chan *rtp.Packet {
	e.streamOnce.Do(func() {
		e.packets = make(chan *rtp.Packet, e.cfg.QueueSize)
		go e.readLoop()
	})
	return e.packets
}

func (e *Endpoint) readLoop() {
	defer close(e.packets)

	buf := make([]byte, maxRTPPacket)
	for {
		if e.stopped.Load() {
			return
		}

		e.pair.RTPConn.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := e.pair.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if !e.stopped.Load() {
				e.logger.Warn("rtp read failed", "error", err)
			}
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			e.logger.Debug("dropping unparseable rtp packet", "error", err)
			continue
		}
		if pkt.Header.Version != rtpVersion {
			e.logger.Debug("dropping rtp packet with bad version", "version", pkt.Header.Version)
			continue
		}

		// Symmetric RTP: learn the peer from the first packet if SDP did
		// not name one.
		e.remote.CompareAndSwap(nil, addr)

		e.packetsIn.Add(1)
		e.bytesIn.Add(uint64(n))

		select {
		case e.packets <- pkt:
		default:
			e.dropped.Add(1)
			e.logger.Debug("inbound rtp queue full, dropping packet",
				"seq", pkt.Header.SequenceNumber)
		}
	}
}

// SendAudio transmits PCM16 little-endian audio sampled at the model rate
// (24 kHz). The audio is downsampled to 8 kHz, G.711-encoded, split into
// 20 ms frames and paced on a wall clock. Socket errors are logged, not
// returned; a dead peer must not crash the bridge.
func (e *Endpoint) SendAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	encoded, ok := EncodePCM16(e.cfg.PayloadType, Downsample24to8(pcm))
	if !ok {
		e.logger.Debug("no encoder for negotiated payload type, dropping audio",
			"payload_type", e.cfg.PayloadType)
		return
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	start := time.Now()
	sent := 0
	for off := 0; off < len(encoded); off += SamplesPerFrame {
		end := off + SamplesPerFrame
		frame := make([]byte, SamplesPerFrame)
		if end <= len(encoded) {
			copy(frame, encoded[off:end])
		} else {
			// Pad the final short frame with G.711 silence.
			n := copy(frame, encoded[off:])
			fill := SilenceByte(e.cfg.PayloadType)
			for i := n; i < SamplesPerFrame; i++ {
				frame[i] = fill
			}
		}

		// Hold each frame to its slot on the 20 ms grid.
		expected := time.Duration(sent) * FrameDuration
		if elapsed := time.Since(start); elapsed < expected {
			time.Sleep(expected - elapsed)
		}

		if err := e.writePacket(frame, false); err != nil {
			e.logger.Debug("rtp send failed", "error", err)
			return
		}
		sent++
	}
}

// SendSilence emits a single zero-payload packet toward the peer, opening
// NAT bindings right after the SDP answer.
func (e *Endpoint) SendSilence() {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.writePacket(nil, true); err != nil {
		e.logger.Debug("silence packet send failed", "error", err)
	}
}

// writePacket marshals and transmits one RTP packet. Callers hold sendMu.
func (e *Endpoint) writePacket(payload []byte, keepTimestamp bool) error {
	remote := e.remote.Load()
	if remote == nil {
		return errors.New("remote rtp address not yet known")
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			PayloadType:    uint8(e.cfg.PayloadType),
			SequenceNumber: e.seq,
			Timestamp:      e.ts,
			SSRC:           e.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling rtp packet: %w", err)
	}

	e.seq++
	if !keepTimestamp {
		e.ts += SamplesPerFrame
	}

	if _, err := e.pair.RTPConn.WriteToUDP(raw, remote); err != nil {
		return err
	}
	e.packetsOut.Add(1)
	e.bytesOut.Add(uint64(len(raw)))
	return nil
}

// Stats returns cumulative endpoint counters.
func (e *Endpoint) Stats() (packetsIn, packetsOut, bytesIn, bytesOut, dropped uint64) {
	return e.packetsIn.Load(), e.packetsOut.Load(),
		e.bytesIn.Load(), e.bytesOut.Load(), e.dropped.Load()
}
