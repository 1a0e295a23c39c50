// Command quic_recv listens for inbound transfers: per connection it runs
// the server side of the key-agreement handshake, accepts a MANIFEST and
// replies TRANSFER_READY, then drains frames off the data stream through
// the receiver engine (C7) into files under -output-dir. Alongside each
// transfer it records an audit row in the SQLite ledger and exposes
// Prometheus metrics and a health endpoint, the same observability surface
// the teacher's daemon wires around its own transfer service.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/driftmesh/xfer/internal/aead"
	"github.com/driftmesh/xfer/internal/control"
	"github.com/driftmesh/xfer/internal/fec"
	"github.com/driftmesh/xfer/internal/identity"
	"github.com/driftmesh/xfer/internal/keyagreement"
	"github.com/driftmesh/xfer/internal/manifest"
	"github.com/driftmesh/xfer/internal/observability"
	"github.com/driftmesh/xfer/internal/quicutil"
	"github.com/driftmesh/xfer/internal/receiver"
	"github.com/driftmesh/xfer/internal/store"
	"github.com/driftmesh/xfer/internal/swarm"
	"github.com/driftmesh/xfer/internal/wire"
)

// swarmAdmissionTimeout bounds how long an admitted-but-queued connection
// waits for its batch to start before the transfer is abandoned.
const swarmAdmissionTimeout = 5 * time.Minute

var (
	listen      string
	outputDir   string
	encrypt     bool
	identityDir string
	dbPath      string
	observeAddr string
	useFEC      bool
)

func main() {
	flag.StringVar(&listen, "listen", ":4433", "Listen address (host:port)")
	flag.StringVar(&outputDir, "output-dir", "./received", "Output directory for received files")
	flag.BoolVar(&encrypt, "encrypt", true, "Expect an encrypted data stream")
	flag.StringVar(&identityDir, "identity", "", "Identity key directory (default ~/.driftmesh)")
	flag.StringVar(&dbPath, "db", "./data/xfer.db", "Path to the SQLite audit ledger")
	flag.StringVar(&observeAddr, "observe-addr", ":9090", "Address to serve /metrics, /health and pprof on")
	flag.BoolVar(&useFEC, "fec", false, "Expect the data stream wrapped in a Reed-Solomon shard codec (C5) rather than plain chunks")
	flag.Parse()

	if shutdown, err := observability.InitTracing(context.Background(), "xfer-quic-recv"); err == nil {
		defer shutdown(context.Background())
	}
	log := observability.NewLogger("quic-recv", "dev", os.Stderr)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create output directory: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create ledger directory: %v\n", err)
		os.Exit(1)
	}
	ledger, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
		os.Exit(1)
	}
	defer ledger.Close()

	if err := listenAndServe(log, ledger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func listenAndServe(log *observability.Logger, ledger *store.Ledger) error {
	privPath, pubPath := "", ""
	if identityDir != "" {
		privPath = identityDir + "/id_ed25519"
		pubPath = identityDir + "/id_ed25519.pub"
	}
	priv, pub, err := identity.LoadOrCreate(privPath, pubPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	metrics := observability.NewMetrics()
	metrics.SetFECEnabled(useFEC)

	health := observability.NewHealthChecker("1.0.0")
	health.RegisterCheck("quic_listener", observability.QUICListenerCheck(listen))
	health.RegisterCheck("keystore", observability.KeystoreCheck(true))
	health.RegisterCheck("database", observability.DatabaseCheck(dbPath))
	go startObservabilityServer(observeAddr, metrics, health, log)

	hub := newSwarmHub()

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("build TLS config: %w", err)
	}
	tlsConfig.NextProtos = []string{"xfer-quic"}

	listener, err := quic.ListenAddr(listen, tlsConfig, &quic.Config{EnableDatagrams: false})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}
	defer listener.Close()
	log.Info(fmt.Sprintf("listening on %s", listen))

	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		metrics.RecordQUICConnection(true)
		go handleConnection(conn, priv, pub, log, metrics, ledger, hub)
	}
}

// swarmHub wraps a swarm.Coordinator (C8) and gives each admitted
// connection a channel that closes once its batch starts, so
// handleConnection can block sending TRANSFER_READY until the coordinator's
// 1:1/1:N admission logic actually admits this peer. Grounded on the
// teacher's daemon/manager/session.go peer registry, adapted since this
// binary has no separate gRPC event-stream consumer to drive the
// coordinator from.
type swarmHub struct {
	coord *swarm.Coordinator

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func newSwarmHub() *swarmHub {
	h := &swarmHub{waiters: make(map[string]chan struct{})}
	h.coord = swarm.New(noopBroadcaster{}, h.onEvent, swarm.DefaultReadyWait)
	return h
}

func (h *swarmHub) onEvent(ev swarm.Event) {
	if ev.Type != swarm.EventTransferBatchStart {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ev.PeerIDs {
		if ch, ok := h.waiters[id]; ok {
			close(ch)
			delete(h.waiters, id)
		}
	}
}

// admit registers peerID with the coordinator and marks it ready,
// returning a channel that closes once the coordinator starts peerID's
// batch (immediately for a lone peer, after READY_WAIT_1N or once every
// pending peer is ready for a 1:N batch).
func (h *swarmHub) admit(peerID string) (<-chan struct{}, error) {
	ch := make(chan struct{})
	h.mu.Lock()
	h.waiters[peerID] = ch
	h.mu.Unlock()

	if err := h.coord.AddPeer(peerID, false); err != nil {
		h.mu.Lock()
		delete(h.waiters, peerID)
		h.mu.Unlock()
		return nil, err
	}
	if err := h.coord.PeerReady(peerID); err != nil {
		return nil, err
	}
	return ch, nil
}

// noopBroadcaster satisfies swarm.Broadcaster: this binary only receives
// data, so the coordinator's Broadcast (sender-side fan-out) is never
// exercised here, only its admission state machine.
type noopBroadcaster struct{}

func (noopBroadcaster) SendTo(peerID string, packet []byte) error { return nil }

// startObservabilityServer exposes /metrics, /health and pprof endpoints,
// grounded on the teacher's daemon/main.go startObservabilityServer.
func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, log *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	log.Info(fmt.Sprintf("observability server listening on %s (metrics, health, pprof)", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(err, "observability server stopped")
	}
}

func handleConnection(conn *quic.Conn, priv ed25519.PrivateKey, pub ed25519.PublicKey, log *observability.Logger, metrics *observability.Metrics, ledger *store.Ledger, hub *swarmHub) {
	connStart := time.Now()
	defer func() {
		metrics.RecordQUICConnectionClose(time.Since(connStart).Seconds())
		conn.CloseWithError(0, "done")
	}()

	hsStream, err := conn.AcceptStream(context.Background())
	if err != nil {
		log.Error(err, "accept handshake stream")
		return
	}
	// "" accepts whatever session id the client presents: this listener has
	// no session pre-agreed via a relay/signalling rendezvous.
	sessionKeys, err := keyagreement.ServerHandshake(hsStream, "", priv, pub, nil)
	hsStream.Close()
	if err != nil {
		log.Error(err, "handshake failed")
		return
	}

	var session *aead.Session
	if encrypt {
		session = aead.NewSession(&sessionKeys)
		defer session.Close()
	} else {
		sessionKeys.Zeroise()
	}

	ctrlStream, err := conn.AcceptStream(context.Background())
	if err != nil {
		log.Error(err, "accept control stream")
		return
	}
	defer ctrlStream.Close()

	mf, err := awaitManifest(ctrlStream)
	if err != nil {
		log.Error(err, "await manifest")
		return
	}
	log = log.WithFile(mf.RootName, int64(mf.TotalSize))

	transferID := uuid.New().String()
	peerID := transferID

	batchStarted, err := hub.admit(peerID)
	if err != nil {
		log.Error(err, "swarm admission rejected")
		return
	}
	select {
	case <-batchStarted:
	case <-time.After(swarmAdmissionTimeout):
		log.Warn("swarm admission timed out waiting for batch start")
		hub.coord.RemovePeer(peerID, swarm.ReasonTimeout)
		return
	}

	transferStart := time.Now()
	if err := ledger.RecordStarted(store.Record{
		ID:         transferID,
		RootName:   mf.RootName,
		TotalSize:  mf.TotalSize,
		TotalFiles: mf.TotalFiles,
		StartedAt:  transferStart,
	}); err != nil {
		log.Error(err, "record transfer start")
	}
	metrics.RecordTransferStart()

	raw, err := control.EncodeSimple(control.TypeTransferReady)
	if err != nil {
		log.Error(err, "encode TRANSFER_READY")
		failTransfer(hub, peerID, ledger, metrics, transferID, transferStart, err)
		return
	}
	if err := control.WriteMessage(ctrlStream, raw); err != nil {
		log.Error(err, "send TRANSFER_READY")
		failTransfer(hub, peerID, ledger, metrics, transferID, transferStart, err)
		return
	}

	dataStream, err := conn.AcceptStream(context.Background())
	if err != nil {
		log.Error(err, "accept data stream")
		failTransfer(hub, peerID, ledger, metrics, transferID, transferStart, err)
		return
	}
	defer dataStream.Close()

	sink := &fileSink{dir: outputDir, rootName: mf.RootName}
	defer sink.closeCurrent()

	cfg := receiver.Config{Session: session, Sink: sink}
	if useFEC {
		cfg.FEC = fec.NewReceiverCoder()
	}
	eng := receiver.New(cfg)
	aad := []byte(mf.RootName)

	for {
		frame, err := wire.ReadFrame(dataStream)
		if err != nil {
			log.Error(err, "read frame")
			failTransfer(hub, peerID, ledger, metrics, transferID, transferStart, err)
			return
		}
		signals, err := eng.HandleFrame(frame, aad)
		if err != nil {
			log.ChunkDecryptFailed("", 0, "frame_error", err.Error(), 0)
			failTransfer(hub, peerID, ledger, metrics, transferID, transferStart, err)
			return
		}
		metrics.RecordChunkReceived(len(frame))
		for _, sig := range signals {
			if sig == receiver.SignalDownloadComplete {
				doneRaw, _ := control.EncodeSimple(control.TypeDownloadComplete)
				sendDownloadComplete(ctrlStream, doneRaw)
				duration := time.Since(transferStart)
				log.TransferCompleted(mf.RootName, int64(mf.TotalSize), -1, duration, 0, false)
				metrics.RecordTransferComplete(true, duration.Seconds())
				if err := ledger.UpdateState(transferID, store.StateCompleted, ""); err != nil {
					log.Error(err, "record transfer completion")
				}
				if err := hub.coord.PeerDownloadComplete(peerID); err != nil {
					log.Error(err, "swarm peer-download-complete")
				}
				return
			}
		}
	}
}

func failTransfer(hub *swarmHub, peerID string, ledger *store.Ledger, metrics *observability.Metrics, id string, start time.Time, cause error) {
	metrics.RecordTransferComplete(false, time.Since(start).Seconds())
	_ = ledger.UpdateState(id, store.StateFailed, cause.Error())
	hub.coord.RemovePeer(peerID, swarm.ReasonError)
}

func sendDownloadComplete(ctrlStream *quic.Stream, raw []byte) {
	_ = receiver.SendDownloadComplete(func() error {
		return control.WriteMessage(ctrlStream, raw)
	}, make(chan struct{}))
}

func awaitManifest(ctrlStream *quic.Stream) (*manifest.TransferManifest, error) {
	_ = ctrlStream.SetReadDeadline(time.Now().Add(30 * time.Second))
	raw, err := control.ReadMessage(ctrlStream)
	if err != nil {
		return nil, err
	}
	typ, payload, err := control.Decode(raw)
	if err != nil {
		return nil, err
	}
	if typ != control.TypeManifest {
		return nil, fmt.Errorf("expected MANIFEST, got %q", typ)
	}
	mm, ok := payload.(control.ManifestMessage)
	if !ok {
		return nil, fmt.Errorf("MANIFEST payload has unexpected type %T", payload)
	}
	return &mm.Manifest, nil
}

// fileSink implements receiver.Sink by writing ordered bytes to a single
// file under dir, named after the manifest's root name.
type fileSink struct {
	dir      string
	rootName string
	f        *os.File
}

func (s *fileSink) Write(fileIndex uint16, offset uint64, data []byte) error {
	if s.f == nil {
		name := s.rootName
		if name == "" {
			name = "received.bin"
		}
		path := filepath.Join(s.dir, filepath.Base(name))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open output file: %w", err)
		}
		s.f = f
	}
	_, err := s.f.WriteAt(data, int64(offset))
	return err
}

func (s *fileSink) Complete() error {
	return s.closeCurrent()
}

func (s *fileSink) closeCurrent() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
