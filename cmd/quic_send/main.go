// Command quic_send drives one outbound transfer: it dials a receiver over
// QUIC, performs the X25519 key-agreement handshake, exchanges the control
// protocol's MANIFEST/TRANSFER_READY pair, then streams the file through
// the sender engine (C6) onto a dedicated data stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
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
	"github.com/driftmesh/xfer/internal/sender"
	"github.com/driftmesh/xfer/internal/slotpool"
)

var (
	addr        string
	filePath    string
	chunkSize   int
	encrypt     bool
	identityDir string
	useFEC      bool
)

func main() {
	flag.StringVar(&addr, "addr", "", "Receiver address (host:port)")
	flag.StringVar(&filePath, "file", "", "File path to send")
	flag.IntVar(&chunkSize, "chunk-size", 64*1024, "Maximum payload bytes per frame")
	flag.BoolVar(&encrypt, "encrypt", true, "Encrypt the data stream with the negotiated session key")
	flag.StringVar(&identityDir, "identity", "", "Identity key directory (default ~/.driftmesh)")
	flag.BoolVar(&useFEC, "fec", false, "Wrap the data stream in a Reed-Solomon shard codec (C5) instead of sending plain chunks")
	flag.Parse()

	if shutdown, err := observability.InitTracing(context.Background(), "xfer-quic-send"); err == nil {
		defer shutdown(context.Background())
	}
	log := observability.NewLogger("quic-send", "dev", os.Stderr)

	if filePath == "" || addr == "" {
		fmt.Fprintln(os.Stderr, "Usage: quic_send -file <path> -addr host:port [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(log *observability.Logger) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("stat %q: %w", filePath, err)
	}

	privPath, pubPath := "", ""
	if identityDir != "" {
		privPath = identityDir + "/id_ed25519"
		pubPath = identityDir + "/id_ed25519.pub"
	}
	priv, pub, err := identity.LoadOrCreate(privPath, pubPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	sessionID := uuid.New().String()
	log = log.WithSession(sessionID)

	tlsConfig := quicutil.MakeClientTLSConfig()
	tlsConfig.NextProtos = []string{"xfer-quic"}

	metrics := observability.NewMetrics()

	log.Info(fmt.Sprintf("connecting to %s", addr))
	connStart := time.Now()
	conn, err := quic.DialAddr(context.Background(), addr, tlsConfig, &quic.Config{EnableDatagrams: false})
	if err != nil {
		metrics.RecordQUICConnection(false)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	metrics.RecordQUICConnection(true)
	defer func() {
		metrics.RecordQUICConnectionClose(time.Since(connStart).Seconds())
		conn.CloseWithError(0, "done")
	}()
	log.ConnectionEstablished(addr, sessionID)

	hsStream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open handshake stream: %w", err)
	}
	sessionKeys, err := keyagreement.ClientHandshake(hsStream, sessionID, priv, pub, nil)
	if err != nil {
		hsStream.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	hsStream.Close()

	var session *aead.Session
	if encrypt {
		session = aead.NewSession(&sessionKeys)
		defer session.Close()
	} else {
		sessionKeys.Zeroise()
	}

	ctrlStream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	defer ctrlStream.Close()

	mf, err := manifest.BuildFromPaths(info.Name(), []string{filePath})
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	raw, err := control.EncodeManifest(*mf)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := control.WriteMessage(ctrlStream, raw); err != nil {
		return fmt.Errorf("send manifest: %w", err)
	}

	if err := awaitTransferReady(ctrlStream); err != nil {
		return err
	}
	log.TransferStarted(sessionID, filePath, info.Size(), -1)
	metrics.RecordTransferStart()
	transferStart := time.Now()

	dataStream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open data stream: %w", err)
	}
	defer dataStream.Close()

	pool := slotpool.New(slotpool.DefaultSlotCount, slotpool.MaxHeaderSize+chunkSize)
	src, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %q: %w", filePath, err)
	}
	defer src.Close()

	cfg := sender.Config{
		Pool:         pool,
		Session:      session,
		MaxChunkSize: uint32(chunkSize),
	}
	if useFEC {
		cfg.FEC = fec.NewSenderCoder(chunkSize / 2)
	}
	engine := sender.New([]sender.FileSource{fileSource{f: src, size: info.Size()}}, cfg)

	aad := []byte(mf.RootName)
	const batchSize = 8
	for {
		packets, err := engine.ProcessBatch(batchSize, aad)
		if err != nil && err != sender.ErrNoFreeSlot {
			return fmt.Errorf("process batch: %w", err)
		}
		for _, pkt := range packets {
			if _, werr := dataStream.Write(pkt.View); werr != nil {
				engine.Release(pkt.SlotID)
				return fmt.Errorf("write frame: %w", werr)
			}
			metrics.RecordChunkSent(len(pkt.View))
			engine.Release(pkt.SlotID)
		}
		if len(packets) == 0 && err == nil {
			break // EOS already emitted on a prior call
		}
		if err == sender.ErrNoFreeSlot {
			continue
		}
	}

	completeErr := awaitDownloadComplete(ctrlStream)
	if completeErr != nil {
		log.Warn(fmt.Sprintf("did not observe DOWNLOAD_COMPLETE: %v", completeErr))
	}
	metrics.RecordTransferComplete(completeErr == nil, time.Since(transferStart).Seconds())
	log.Info(fmt.Sprintf("transfer of %s complete (%d bytes sent)", filePath, engine.TotalSent()))
	return nil
}

func awaitTransferReady(ctrlStream *quic.Stream) error {
	_ = ctrlStream.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		raw, err := control.ReadMessage(ctrlStream)
		if err != nil {
			return fmt.Errorf("await TRANSFER_READY: %w", err)
		}
		typ, _, err := control.Decode(raw)
		if err != nil {
			return err
		}
		switch typ {
		case control.TypeTransferReady:
			return nil
		case control.TypeQueued, control.TypeKeepAlive:
			continue
		default:
			return fmt.Errorf("unexpected message %q while awaiting TRANSFER_READY", typ)
		}
	}
}

func awaitDownloadComplete(ctrlStream *quic.Stream) error {
	_ = ctrlStream.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		raw, err := control.ReadMessage(ctrlStream)
		if err != nil {
			return err
		}
		typ, _, err := control.Decode(raw)
		if err != nil {
			return err
		}
		if typ == control.TypeDownloadComplete {
			return nil
		}
	}
}

// fileSource adapts an *os.File to sender.FileSource.
type fileSource struct {
	f    *os.File
	size int64
}

func (s fileSource) Size() int64 { return s.size }

func (s fileSource) ReadAt(buf []byte, offset int64) (int, error) {
	return s.f.ReadAt(buf, offset)
}
