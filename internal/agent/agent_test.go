package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/silentspeaker/silentspeaker/internal/config"
	"github.com/silentspeaker/silentspeaker/internal/crypto"
	"github.com/silentspeaker/silentspeaker/internal/logging"
	"github.com/silentspeaker/silentspeaker/internal/metrics"
	"github.com/silentspeaker/silentspeaker/internal/protocol"
	"github.com/silentspeaker/silentspeaker/internal/transport"
)

func TestDeriveStreamSeed_DeterministicAndStreamDependent(t *testing.T) {
	var base [32]byte
	copy(base[:], []byte("0123456789abcdef0123456789abcdef"))

	s1a := deriveStreamSeed(base, 4)
	s1b := deriveStreamSeed(base, 4)
	s2 := deriveStreamSeed(base, 8)

	if s1a != s1b {
		t.Error("deriveStreamSeed is not deterministic for the same stream id")
	}
	if s1a == s2 {
		t.Error("deriveStreamSeed produced the same seed for different stream ids")
	}
}

func TestLoadSeedBoxAndLoadBaseSeed_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	privateKey, publicKey, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	keyPath := filepath.Join(dir, "agent.key")
	if err := os.WriteFile(keyPath, privateKey[:], 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	seedBox, err := loadSeedBox(keyPath)
	if err != nil {
		t.Fatalf("loadSeedBox() error = %v", err)
	}
	if seedBox.PublicKey() != publicKey {
		t.Error("loadSeedBox derived a public key that doesn't match the private key")
	}

	var wantSeed [32]byte
	copy(wantSeed[:], []byte("peer-a-provisioned-base-seed!!!!"))

	provisioner := crypto.NewSealedBox(publicKey)
	sealed, err := provisioner.Seal(wantSeed[:])
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	seedPath := filepath.Join(dir, "peer.seed")
	if err := os.WriteFile(seedPath, sealed, 0o600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	a := &Agent{cfg: config.Default(), log: logging.NopLogger(), seedBox: seedBox}
	got, err := a.loadBaseSeed(seedPath)
	if err != nil {
		t.Fatalf("loadBaseSeed() error = %v", err)
	}
	if got != wantSeed {
		t.Errorf("loadBaseSeed() = %x, want %x", got, wantSeed)
	}
}

func TestLoadBaseSeed_EmptyPathReturnsZeroSeed(t *testing.T) {
	a := &Agent{cfg: config.Default(), log: logging.NopLogger()}
	seed, err := a.loadBaseSeed("")
	if err != nil {
		t.Fatalf("loadBaseSeed() error = %v", err)
	}
	if seed != ([32]byte{}) {
		t.Error("loadBaseSeed(\"\") should return the zero seed")
	}
}

func TestResolvePeerConfig_MatchesByAddress(t *testing.T) {
	cfg := config.Default()
	cfg.Peers = []config.PeerConfig{
		{ID: "peer-a", Address: "127.0.0.1:9001"},
		{ID: "peer-b", Address: "127.0.0.1:9002"},
	}
	a := &Agent{cfg: cfg}

	got, ok := a.resolvePeerConfig("127.0.0.1:9002")
	if !ok || got.ID != "peer-b" {
		t.Errorf("resolvePeerConfig() = %+v, %v, want peer-b, true", got, ok)
	}

	if _, ok := a.resolvePeerConfig("127.0.0.1:9999"); ok {
		t.Error("resolvePeerConfig() matched an unconfigured address")
	}
}

func TestNew_RejectsInvalidFECShardCounts(t *testing.T) {
	cfg := config.Default()
	cfg.FEC.DataShards = 0
	cfg.FEC.ParityShards = 0

	if _, err := New(cfg, logging.NopLogger(), metrics.NewMetrics()); err == nil {
		t.Fatal("New() with zero FEC shards should fail")
	}
}

func TestPoolOccupancy_UnknownPeerReturnsError(t *testing.T) {
	a, err := New(config.Default(), logging.NopLogger(), metrics.NewMetrics())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := a.PoolOccupancy("nobody"); err == nil {
		t.Fatal("PoolOccupancy() for an unknown peer should return an error")
	}
}

// newLoopbackPair starts a listening agent and a dialing agent connected
// over a real QUIC loopback transport, using an insecure dev TLS config on
// both sides (the same pattern the transport package's own tests use).
func newLoopbackPair(t *testing.T) (server, client *Agent) {
	t.Helper()

	certPEM, keyPEM, err := transport.GenerateSelfSignedCert("localhost", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}

	serverCfg := config.Default()
	serverCfg.Listener.Address = "127.0.0.1:0"
	serverCfg.Listener.TLS.CertPEM = string(certPEM)
	serverCfg.Listener.TLS.KeyPEM = string(keyPEM)

	server, err = New(serverCfg, logging.NopLogger(), metrics.NewMetrics())
	if err != nil {
		t.Fatalf("New(server) error = %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("server.Start() error = %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	deadline := time.Now().Add(2 * time.Second)
	for server.ListenAddr() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	addr := server.ListenAddr()
	if addr == "" {
		t.Fatal("server never reported a listen address")
	}

	clientCfg := config.Default()
	clientCfg.Listener.Address = ""
	clientCfg.Peers = []config.PeerConfig{{ID: "server", Address: addr}}

	client, err = New(clientCfg, logging.NopLogger(), metrics.NewMetrics())
	if err != nil {
		t.Fatalf("New(client) error = %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("client.Start() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Stop() })

	return server, client
}

func waitForPeer(t *testing.T, a *Agent, peerID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := a.peer(peerID); err == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("peer %q never connected", peerID)
}

func TestAgent_SendText_DeliversContentToPeer(t *testing.T) {
	server, client := newLoopbackPair(t)
	waitForPeer(t, client, "server")

	received := make(chan string, 1)
	server.SetOnContentWhisper(func(peerID, content string) {
		received <- content
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.SendText(ctx, "server", "hello from client", protocol.PriorityNormal); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "hello from client" {
			t.Errorf("received content = %q, want %q", got, "hello from client")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for content whisper")
	}
}

func TestAgent_SendText_UnknownPeerReturnsError(t *testing.T) {
	a, err := New(config.Default(), logging.NopLogger(), metrics.NewMetrics())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.SendText(context.Background(), "nobody", "x", protocol.PriorityLow); err == nil {
		t.Fatal("SendText() to an unknown peer should return an error")
	}
}

func TestAgent_Stop_IsIdempotent(t *testing.T) {
	cfg := config.Default()
	cfg.Listener.Address = ""
	a, err := New(cfg, logging.NopLogger(), metrics.NewMetrics())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}
