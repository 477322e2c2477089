// Package agent orchestrates the QUIC transport, the dynamic framing
// engine, FEC, and the stream scheduler/manager into a running Silent
// Speaker node: it dials configured peers, accepts incoming
// connections, and drives the per-stream read/write loops.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"

	"github.com/silentspeaker/silentspeaker/internal/config"
	"github.com/silentspeaker/silentspeaker/internal/critical"
	"github.com/silentspeaker/silentspeaker/internal/crypto"
	"github.com/silentspeaker/silentspeaker/internal/fec"
	"github.com/silentspeaker/silentspeaker/internal/framing"
	"github.com/silentspeaker/silentspeaker/internal/logging"
	"github.com/silentspeaker/silentspeaker/internal/manager"
	"github.com/silentspeaker/silentspeaker/internal/metrics"
	"github.com/silentspeaker/silentspeaker/internal/protocol"
	"github.com/silentspeaker/silentspeaker/internal/recovery"
	"github.com/silentspeaker/silentspeaker/internal/scheduler"
	"github.com/silentspeaker/silentspeaker/internal/streampool"
	"github.com/silentspeaker/silentspeaker/internal/transport"
)

// dispatchTick is how often the background loop retries deferred normal
// messages and refreshes the pool-occupancy gauge. The loop does not call
// the scheduler: FEC shards left queued there are dispatched by the next
// SendCritical to the same peer.
const dispatchTick = 20 * time.Millisecond

// streamChannel tracks one QUIC stream's framing state in both directions:
// the sending generator, and the receiving generator and its parser.
type streamChannel struct {
	sendGen *framing.SaltGenerator
	recvGen *framing.SaltGenerator
	parser  *framing.StreamParser
}

// peerState holds everything the agent tracks about one connected peer.
// Each peer connection gets its own pool/scheduler/manager because QUIC
// stream ids are scoped to a single connection: sharing one pool across
// peers would let the pool's bookkeeping ids drift out of step with the
// ids the transport actually assigns via OpenStream.
type peerState struct {
	id       string
	conn     transport.PeerConn
	baseSeed [32]byte

	pool *streampool.Pool
	sch  *scheduler.Scheduler
	mgr  *manager.Manager

	mu      sync.Mutex
	streams map[uint64]*streamChannel
	reassem *fec.Reassembler
}

// Agent is a running Silent Speaker node.
type Agent struct {
	cfg *config.Config
	log *slog.Logger
	m   *metrics.Metrics

	transport transport.Transport
	seedBox   *crypto.SealedBox

	// critSender is the CriticalSender façade: unlike the rest of the
	// agent, SendCritical may be called concurrently from multiple
	// goroutines, so its per-connection dispatch state lives behind the
	// façade's own RWMutex rather than the agent's plain peer-map mutex.
	critSender *critical.Sender

	onContent func(peerID, content string)

	mu       sync.Mutex
	peers    map[string]*peerState
	listener transport.Listener
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// SetOnContentWhisper registers a callback invoked whenever a plain-text
// whisper is received from a peer. It must not block.
func (a *Agent) SetOnContentWhisper(fn func(peerID, content string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onContent = fn
}

// New constructs an Agent from cfg. It validates the FEC shard
// configuration eagerly, matching the spec's "configuration error
// surfaces at encoder construction only" rule.
func New(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*Agent, error) {
	if log == nil {
		log = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}

	encoder, err := fec.NewEncoder(cfg.FEC.DataShards, cfg.FEC.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("agent: construct fec encoder: %w", err)
	}

	var seedBox *crypto.SealedBox
	if cfg.Agent.SeedPrivateKeyFile != "" {
		seedBox, err = loadSeedBox(cfg.Agent.SeedPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("agent: load seed private key: %w", err)
		}
	}

	return &Agent{
		cfg:        cfg,
		log:        log,
		m:          m,
		transport:  transport.NewQUICTransport(),
		seedBox:    seedBox,
		critSender: critical.NewSender(encoder),
		peers:      make(map[string]*peerState),
	}, nil
}

// loadSeedBox reads a raw 32-byte X25519 private key and derives the
// matching public key, producing a SealedBox that can open the per-peer
// seed files provisioned by the keygen CLI.
func loadSeedBox(path string) (*crypto.SealedBox, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key file: %w", err)
	}
	if len(raw) != crypto.KeySize {
		return nil, fmt.Errorf("private key file must be %d bytes, got %d", crypto.KeySize, len(raw))
	}

	var privateKey, publicKey [32]byte
	copy(privateKey[:], raw)
	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return crypto.NewSealedBoxWithPrivate(publicKey, privateKey), nil
}

// loadBaseSeed opens the sealed seed file at path, returning the 32-byte
// base seed deriveStreamSeed mixes into every stream on that connection.
func (a *Agent) loadBaseSeed(path string) ([32]byte, error) {
	var seed [32]byte
	if path == "" || a.seedBox == nil {
		return seed, nil
	}

	sealed, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read seed file: %w", err)
	}
	plaintext, err := a.seedBox.Open(sealed)
	if err != nil {
		return seed, fmt.Errorf("open sealed seed: %w", err)
	}
	if len(plaintext) != 32 {
		return seed, fmt.Errorf("sealed seed must decrypt to 32 bytes, got %d", len(plaintext))
	}
	copy(seed[:], plaintext)
	return seed, nil
}

// resolvePeerConfig finds the statically configured peer matching a
// connection's remote address, used to locate the right seed file for
// an incoming connection we didn't initiate ourselves.
func (a *Agent) resolvePeerConfig(remoteAddr string) (config.PeerConfig, bool) {
	for _, p := range a.cfg.Peers {
		if p.Address == remoteAddr {
			return p, true
		}
	}
	return config.PeerConfig{}, false
}

// Start brings up the listener (if configured) and dials every
// statically configured peer, then starts the background dispatch loop.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.cfg.Listener.Address != "" {
		tlsCfg, err := a.listenerTLSConfig()
		if err != nil {
			return fmt.Errorf("agent: listener tls config: %w", err)
		}
		opts := transport.DefaultListenOptions()
		opts.TLSConfig = tlsCfg
		opts.MaxStreams = a.cfg.Pool.MaxStreams

		listener, err := a.transport.Listen(a.cfg.Listener.Address, opts)
		if err != nil {
			return fmt.Errorf("agent: listen on %s: %w", a.cfg.Listener.Address, err)
		}
		a.mu.Lock()
		a.listener = listener
		a.mu.Unlock()
		a.log.Info("listening", logging.KeyComponent, "agent", "address", listener.Addr().String())

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer recovery.RecoverWithLog(a.log, "accept loop")
			a.acceptLoop(runCtx, listener)
		}()
	}

	for _, peerCfg := range a.cfg.Peers {
		peerCfg := peerCfg
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer recovery.RecoverWithLog(a.log, "dial peer "+peerCfg.ID)
			a.dialPeer(runCtx, peerCfg)
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer recovery.RecoverWithLog(a.log, "dispatch loop")
		a.dispatchLoop(runCtx)
	}()

	return nil
}

// Stop tears down every connection and the listener.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	peers := make([]*peerState, 0, len(a.peers))
	for _, p := range a.peers {
		peers = append(peers, p)
	}
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	for _, p := range peers {
		_ = p.conn.Close()
	}
	err := a.transport.Close()
	a.wg.Wait()
	return err
}

func (a *Agent) listenerTLSConfig() (*tls.Config, error) {
	tlsCfg := a.cfg.Listener.TLS
	if !tlsCfg.HasCert() {
		tlsCfg = a.cfg.TLS
	}
	certPEM, err := tlsCfg.GetCertPEM()
	if err != nil {
		return nil, err
	}
	keyPEM, err := tlsCfg.GetKeyPEM()
	if err != nil {
		return nil, err
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, nil // transport generates an ephemeral self-signed cert
	}
	return transport.TLSConfigFromBytes(certPEM, keyPEM)
}

func (a *Agent) acceptLoop(ctx context.Context, listener transport.Listener) {
	defer listener.Close()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("accept failed", logging.KeyError, err.Error())
			continue
		}
		peerID := conn.RemoteAddr().String()
		var baseSeed [32]byte
		if peerCfg, ok := a.resolvePeerConfig(peerID); ok {
			peerID = peerCfg.ID
			seed, err := a.loadBaseSeed(peerCfg.SeedFile)
			if err != nil {
				a.log.Error("load peer seed", "peer", peerID, logging.KeyError, err.Error())
			} else {
				baseSeed = seed
			}
		}
		a.adoptPeer(ctx, peerID, conn, baseSeed)
	}
}

func (a *Agent) dialPeer(ctx context.Context, peerCfg config.PeerConfig) {
	tlsCfg := peerCfg.TLS
	if !tlsCfg.HasCA() {
		tlsCfg = a.cfg.TLS
	}
	caPEM, err := tlsCfg.GetCAPEM()
	if err != nil {
		a.log.Error("load peer ca", logging.KeyError, err.Error())
		return
	}

	opts := transport.DefaultDialOptions()
	if len(caPEM) > 0 {
		dialTLS, err := transport.LoadClientTLSConfig("", true)
		if err != nil {
			a.log.Error("build dial tls config", logging.KeyError, err.Error())
			return
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(caPEM) {
			a.log.Error("parse peer ca", "peer", peerCfg.ID)
			return
		}
		dialTLS.RootCAs = roots
		opts.TLSConfig = dialTLS
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := a.transport.Dial(ctx, peerCfg.Address, opts)
	if err != nil {
		a.log.Error("dial peer failed", "peer", peerCfg.ID, logging.KeyError, err.Error())
		return
	}

	baseSeed, err := a.loadBaseSeed(peerCfg.SeedFile)
	if err != nil {
		a.log.Error("load peer seed", "peer", peerCfg.ID, logging.KeyError, err.Error())
	}
	a.adoptPeer(ctx, peerCfg.ID, conn, baseSeed)
}

func (a *Agent) adoptPeer(ctx context.Context, peerID string, conn transport.PeerConn, baseSeed [32]byte) {
	allocator := transport.NewStreamIDAllocator(conn.IsDialer())
	pool := streampool.NewPool(a.cfg.Pool.MaxStreams, allocator, streampool.DefaultIdleTimeout)
	sch := scheduler.NewScheduler(pool, a.cfg.Scheduler.DispatchTimeout, a.cfg.Scheduler.BoostInterval)
	mgr := manager.New(pool, sch, a.cfg.Manager.ReservationTimeout, manager.DefaultMaxRetryCount, a.log)

	ps := &peerState{
		id:       peerID,
		conn:     conn,
		baseSeed: baseSeed,
		pool:     pool,
		sch:      sch,
		mgr:      mgr,
		streams:  make(map[uint64]*streamChannel),
		reassem:  fec.NewReassembler(a.cfg.FEC.ShardTimeout, fec.DefaultCleanupTimeout),
	}
	a.mu.Lock()
	a.peers[peerID] = ps
	a.mu.Unlock()
	a.critSender.RegisterConnection(peerID, mgr)

	a.log.Info("peer connected", logging.KeySessionID, peerID, "remote_addr", conn.RemoteAddr().String())

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer recovery.RecoverWithLog(a.log, "peer stream accept loop: "+peerID)
		a.peerAcceptStreams(ctx, ps)
	}()
}

func (a *Agent) peerAcceptStreams(ctx context.Context, ps *peerState) {
	defer a.dropPeer(ps.id)
	for {
		stream, err := ps.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Debug("stream accept ended", "peer", ps.id, logging.KeyError, err.Error())
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer recovery.RecoverWithLog(a.log, "read stream: "+ps.id)
			a.readStreamLoop(ps, stream)
		}()
	}
}

// deriveStreamSeed mixes the peer's base seed with a stream id so every
// stream runs an independent keystream off one provisioned secret.
func deriveStreamSeed(base [32]byte, streamID uint64) [32]byte {
	return framing.DiversifySeed(base, streamID)
}

func (a *Agent) channelFor(ps *peerState, streamID uint64) *streamChannel {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ch, ok := ps.streams[streamID]; ok {
		return ch
	}
	seed := deriveStreamSeed(ps.baseSeed, streamID)
	fcfg := framing.Config{
		EnableSequenceHint:  a.cfg.Framing.EnableSequenceHint,
		EnableDoubleRatchet: a.cfg.Framing.EnableDoubleRatchet,
		RatchetInterval:     a.cfg.Framing.RatchetInterval,
	}
	ch := &streamChannel{
		sendGen: framing.NewSaltGenerator(seed),
		recvGen: framing.NewSaltGenerator(seed),
		parser:  framing.NewStreamParser(framing.NewSaltGenerator(seed), fcfg, 0),
	}
	ps.streams[streamID] = ch
	return ch
}

func (a *Agent) readStreamLoop(ps *peerState, stream transport.Stream) {
	defer stream.Close()
	ch := a.channelFor(ps, stream.StreamID())
	fcfg := framing.Config{
		EnableSequenceHint:  a.cfg.Framing.EnableSequenceHint,
		EnableDoubleRatchet: a.cfg.Framing.EnableDoubleRatchet,
		RatchetInterval:     a.cfg.Framing.RatchetInterval,
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if appendErr := ch.parser.Append(buf[:n]); appendErr != nil {
				a.log.Warn("stream buffer full, dropping connection", "peer", ps.id, logging.KeyError, appendErr.Error())
				return
			}
			a.drainFrames(ps, stream.StreamID(), ch, fcfg)
		}
		if err != nil {
			return
		}
	}
}

func (a *Agent) drainFrames(ps *peerState, streamID uint64, ch *streamChannel, fcfg framing.Config) {
	for {
		payload, err := ch.parser.TryParseNext()
		if err != nil {
			if errors.Is(err, framing.ErrIncomplete) {
				return
			}
			a.m.RecordFrameParseError(err.Error())
			a.log.Warn("frame parse failed", "peer", ps.id, logging.KeyStreamID, streamID, logging.KeyError, err.Error())
			return
		}
		if payload == nil {
			return
		}
		a.m.RecordFrameParsed("recv")

		whisper, _, err := protocol.Decode(payload)
		if err != nil {
			a.log.Warn("whisper decode failed", "peer", ps.id, logging.KeyError, err.Error())
			continue
		}
		a.handleWhisper(ps, whisper)
	}
}

func (a *Agent) handleWhisper(ps *peerState, w protocol.Whisper) {
	if !w.IsFEC {
		a.log.Info("received content whisper", "peer", ps.id, logging.KeySessionID, w.ID.String())
		a.mu.Lock()
		cb := a.onContent
		a.mu.Unlock()
		if cb != nil {
			cb(ps.id, w.Content)
		}
		return
	}

	frame := w.FecPayload.FecFrame.ToFECFrame()
	recovered, err := ps.reassem.Process(frame, time.Now())
	if err != nil {
		a.log.Debug("fec shard rejected", "peer", ps.id, logging.KeyError, err.Error())
		return
	}
	if recovered != nil {
		a.m.RecordFECRecovered(0)
		a.log.Info("fec session recovered", logging.KeySessionID, recovered.SessionID.String(),
			logging.KeyBlocksUsed, recovered.BlocksUsed, logging.KeyBlocksTotal, recovered.BlocksTotal)
		ps.mgr.MarkSessionComplete(recovered.SessionID)
	}
}

func (a *Agent) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			a.mu.Lock()
			peers := make([]*peerState, 0, len(a.peers))
			for _, p := range a.peers {
				peers = append(peers, p)
			}
			a.mu.Unlock()

			occupancy := 0
			for _, ps := range peers {
				for _, alloc := range ps.mgr.ProcessPendingMessages(now) {
					if err := a.writeOnNewStream(ctx, ps, alloc.StreamID, alloc.Payload); err != nil {
						a.log.Error("write deferred message", logging.KeyError, err.Error())
					}
				}
				occupancy += ps.pool.Occupancy()
			}
			a.m.SetPoolOccupancy(occupancy)
		}
	}
}

// SendText encodes content as a Whisper and writes it on a freshly
// allocated stream to peerID.
func (a *Agent) SendText(ctx context.Context, peerID, content string, priority protocol.Priority) error {
	ps, err := a.peer(peerID)
	if err != nil {
		return err
	}

	w := protocol.NewContentWhisper(content, priority, uint64(time.Now().UnixNano()))
	wireBuf, err := w.Encode()
	if err != nil {
		return fmt.Errorf("agent: encode whisper: %w", err)
	}

	alloc := ps.mgr.AllocateStreamForNormalMessage(wireBuf, priority, time.Now())
	if alloc.Deferred {
		a.log.Debug("text message deferred, pool saturated", "peer", peerID)
		return nil
	}
	return a.writeOnNewStream(ctx, ps, alloc.StreamID, alloc.Payload)
}

// SendCritical FEC-encodes payload and dispatches every shard as its own
// Whisper across streams the scheduler allocates. It goes through the
// CriticalSender façade rather than touching ps directly, since unlike
// SendText this is the one entry point the spec allows to be called
// concurrently from multiple goroutines for the same peer.
func (a *Agent) SendCritical(ctx context.Context, peerID string, payload []byte, priority protocol.Priority) (uuid.UUID, error) {
	ps, err := a.peer(peerID)
	if err != nil {
		return uuid.UUID{}, err
	}

	sessionID, dispatched, err := a.critSender.PrepareCriticalMessage(peerID, payload, priority, time.Now())
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("agent: prepare critical message: %w", err)
	}
	a.m.RecordFECBlockEncoded(a.cfg.FEC.DataShards, a.cfg.FEC.ParityShards)

	for _, d := range dispatched {
		if d.FECFrame == nil {
			continue
		}
		w := protocol.NewFecWhisper(*d.FECFrame, priority, uint64(time.Now().UnixNano()))
		wireBuf, err := w.Encode()
		if err != nil {
			a.log.Error("encode fec whisper", logging.KeyError, err.Error())
			continue
		}
		if err := a.writeOnNewStream(ctx, ps, d.StreamID, wireBuf); err != nil {
			a.log.Error("write fec shard", logging.KeyError, err.Error())
		}
	}
	return sessionID, nil
}

func (a *Agent) writeOnNewStream(ctx context.Context, ps *peerState, streamID uint64, payload []byte) error {
	stream, err := ps.conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("agent: open stream: %w", err)
	}
	ch := a.channelFor(ps, streamID)
	fcfg := framing.Config{
		EnableSequenceHint:  a.cfg.Framing.EnableSequenceHint,
		EnableDoubleRatchet: a.cfg.Framing.EnableDoubleRatchet,
		RatchetInterval:     a.cfg.Framing.RatchetInterval,
	}

	frame, err := framing.Build(ch.sendGen, payload, fcfg)
	if err != nil {
		return fmt.Errorf("agent: build frame: %w", err)
	}
	a.m.RecordFrameBuilt("send")
	a.m.RecordBytesSent("whisper", len(frame))

	if _, err := stream.Write(frame); err != nil {
		return fmt.Errorf("agent: write stream: %w", err)
	}
	return stream.CloseWrite()
}

// dropPeer removes peerID once its connection's accept loop ends.
func (a *Agent) dropPeer(peerID string) {
	a.mu.Lock()
	delete(a.peers, peerID)
	a.mu.Unlock()
	a.critSender.UnregisterConnection(peerID)
}

func (a *Agent) peer(peerID string) (*peerState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps, ok := a.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("agent: unknown peer %q", peerID)
	}
	return ps, nil
}

// ListenAddr returns the listener's bound address, or "" if the agent
// isn't listening. Useful when Listener.Address names an ephemeral port.
func (a *Agent) ListenAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// PoolOccupancy reports how many of peerID's stream pool slots are
// currently in use.
func (a *Agent) PoolOccupancy(peerID string) (int, error) {
	ps, err := a.peer(peerID)
	if err != nil {
		return 0, err
	}
	return ps.pool.Occupancy(), nil
}
