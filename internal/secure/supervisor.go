// Package secure implements the secure (store-and-forward) transport
// supervisor from spec section 4.E: identity bootstrap, announce loop,
// inbound message log, known-destinations directory, and file share.
package secure

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/aegis-home/meshbridge/internal/errors"
	"github.com/aegis-home/meshbridge/internal/logging"
	"github.com/aegis-home/meshbridge/internal/model"
	"github.com/aegis-home/meshbridge/pkg/transport"
)

const maxStoredMessages = 500

// Config bundles the secure supervisor's tunables (spec section 4.E/6).
type Config struct {
	IdentityPath     string
	StoragePath      string
	AnnounceInterval time.Duration
}

// KnownDestination is an entry in the supervisor's known-destinations
// directory, per spec 4.E.
type KnownDestination struct {
	Name     string                 `json:"name"`
	Added    time.Time              `json:"added"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// StoredMessage is a bounded in-memory log entry for a received
// delivery, per spec 4.E's "append to a bounded in-memory log".
type StoredMessage struct {
	Source      string                 `json:"source"`
	Destination string                 `json:"destination"`
	Title       string                 `json:"title"`
	Content     string                 `json:"content"`
	ReceivedAt  time.Time              `json:"received_at"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// Handler receives a fully-decoded inbound delivery.
type Handler func(StoredMessage)

// Supervisor owns identity bootstrap, the announce loop, and the
// receive handler for one secure transport adapter.
type Supervisor struct {
	adapter transport.SecureAdapter
	cfg     Config
	log     *zap.Logger
	cb      *gobreaker.CircuitBreaker

	identityMu sync.RWMutex
	address    string
	publicKey  ed25519.PublicKey

	destMu sync.Mutex
	known  map[string]KnownDestination

	storedMu sync.Mutex
	stored   []StoredMessage

	handlerMu sync.RWMutex
	handlers  []Handler

	connMu sync.RWMutex
	onConn []func(bool)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(adapter transport.SecureAdapter, cfg Config, log *zap.Logger) *Supervisor {
	s := &Supervisor{
		adapter: adapter,
		cfg:     cfg,
		log:     log,
		known:   make(map[string]KnownDestination),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "secure-send",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	adapter.SetOnReceive(s.handleInbound)
	adapter.SetOnConnected(func() { s.notifyConnection(true) })
	adapter.SetOnDisconnected(func() { s.notifyConnection(false) })
	return s
}

// Start bootstraps the identity keypair, connects the adapter, and
// launches the announce loop.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.bootstrapIdentity(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to bootstrap secure identity")
	}
	if err := s.adapter.Connect(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to connect secure transport")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.announceLoop(runCtx)
	s.log.Info("secure transport started", logging.TransportFields("secure", "start").Custom("address", s.Address()).Zap()...)
	return nil
}

func (s *Supervisor) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.adapter.Disconnect()
}

// bootstrapIdentity loads an ed25519 keypair from cfg.IdentityPath, or
// mints and persists a new one if none exists. The concrete
// Reticulum/LXMF protocol is out of scope (spec section 1); an ed25519
// keypair is the real asymmetric identity the broader pack reaches for
// whenever it mints a local identity (see DESIGN.md).
func (s *Supervisor) bootstrapIdentity() error {
	if s.cfg.IdentityPath != "" {
		if data, err := os.ReadFile(s.cfg.IdentityPath); err == nil {
			block, _ := pem.Decode(data)
			if block != nil && len(block.Bytes) == ed25519.PrivateKeySize {
				priv := ed25519.PrivateKey(block.Bytes)
				s.setIdentity(priv.Public().(ed25519.PublicKey))
				s.log.Info("loaded existing secure identity", logging.SecurityFields("identity_load", s.Address()).Zap()...)
				return nil
			}
		}
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	s.setIdentity(priv.Public().(ed25519.PublicKey))

	if s.cfg.IdentityPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.IdentityPath), 0o700); err != nil {
			return err
		}
		block := &pem.Block{Type: "MESH BRIDGE IDENTITY", Bytes: priv}
		if err := os.WriteFile(s.cfg.IdentityPath, pem.EncodeToMemory(block), 0o600); err != nil {
			return err
		}
	}
	s.log.Info("created new secure identity", logging.SecurityFields("identity_create", s.Address()).Zap()...)
	return nil
}

func (s *Supervisor) setIdentity(pub ed25519.PublicKey) {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	s.publicKey = pub
	s.address = hex.EncodeToString(pub)[:16]
}

// Address returns this supervisor's fixed-width hex address, mirroring
// the glossary's "hash-addressed endpoints".
func (s *Supervisor) Address() string {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.address
}

func (s *Supervisor) announceLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.AnnounceInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.log.Debug("secure transport announce", logging.TransportFields("secure", "announce").Zap()...)
		}
	}
}

// Send delivers content to destination. Destination is mandatory; the
// secure transport never broadcasts (spec section 4.E/6).
func (s *Supervisor) Send(ctx context.Context, destination, content, title string, fields map[string]interface{}) (bool, error) {
	if destination == "" {
		return false, apperrors.NewValidationError("secure transport requires a destination")
	}
	result, err := s.cb.Execute(func() (interface{}, error) {
		ok, err := s.adapter.Send(ctx, destination, content, title, fields)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, apperrors.New(apperrors.ErrorTypeNetwork, "secure send rejected")
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// ShareFile hashes a file and sends a "File: <name>" message carrying
// its name, size, SHA-256 hash and description as fields, restoring the
// original source's file-share operation per SPEC_FULL.md section 3.
// The file contents are not sent, and no delivery receipt is kept.
func (s *Supervisor) ShareFile(ctx context.Context, destination, path, description string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "file not found: %s", path)
	}
	sum := sha256.Sum256(data)
	fields := map[string]interface{}{
		"file_name":   filepath.Base(path),
		"file_size":   len(data),
		"file_hash":   hex.EncodeToString(sum[:]),
		"description": description,
	}
	content := fmt.Sprintf("File: %s", filepath.Base(path))
	return s.Send(ctx, destination, content, "File Transfer", fields)
}

func (s *Supervisor) handleInbound(pkt transport.InboundPacket) {
	msg := StoredMessage{
		Source:      pkt.Source,
		Destination: pkt.Destination,
		Content:     pkt.Text,
		ReceivedAt:  time.Now().UTC(),
	}
	s.storedMu.Lock()
	s.stored = append(s.stored, msg)
	if len(s.stored) > maxStoredMessages {
		s.stored = s.stored[len(s.stored)-maxStoredMessages:]
	}
	s.storedMu.Unlock()

	s.handlerMu.RLock()
	handlers := append([]Handler{}, s.handlers...)
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (s *Supervisor) OnReceive(h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Supervisor) OnConnection(cb func(bool)) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.onConn = append(s.onConn, cb)
}

func (s *Supervisor) notifyConnection(connected bool) {
	s.connMu.RLock()
	callbacks := append([]func(bool){}, s.onConn...)
	s.connMu.RUnlock()
	for _, cb := range callbacks {
		cb(connected)
	}
}

// StoredMessages returns up to limit recent messages, most recent
// first.
func (s *Supervisor) StoredMessages(limit int) []StoredMessage {
	s.storedMu.Lock()
	defer s.storedMu.Unlock()
	n := len(s.stored)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]StoredMessage, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.stored[n-1-i]
	}
	return out
}

// AddKnownDestination extends the known-destinations directory.
func (s *Supervisor) AddKnownDestination(hash, name string, metadata map[string]interface{}) {
	s.destMu.Lock()
	defer s.destMu.Unlock()
	s.known[hash] = KnownDestination{Name: name, Added: time.Now().UTC(), Metadata: metadata}
}

func (s *Supervisor) KnownDestinations() map[string]KnownDestination {
	s.destMu.Lock()
	defer s.destMu.Unlock()
	out := make(map[string]KnownDestination, len(s.known))
	for k, v := range s.known {
		out[k] = v
	}
	return out
}

func (s *Supervisor) IsConnected() bool {
	return s.adapter.IsConnected()
}

func (s *Supervisor) State() model.ConnectionState {
	return s.adapter.State()
}

func (s *Supervisor) Stats() transport.Stats {
	return s.adapter.Stats()
}
