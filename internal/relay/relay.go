// Package relay implements the bidirectional mesh<->secure forwarder
// from spec section 4.G: dedup, prefix/directory-based routing, and
// origin-tagging.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/logging"
	"github.com/aegis-home/meshbridge/internal/secure"
)

const (
	securePrefix = "N:"
	meshPrefix   = "M:"
)

// MeshSender is the subset of the mesh supervisor the relay forwards
// onto.
type MeshSender interface {
	Send(ctx context.Context, text, destination string, wantAck bool, channelIndex int) (string, bool)
}

// SecureSender is the subset of the secure supervisor the relay
// forwards onto.
type SecureSender interface {
	Send(ctx context.Context, destination, content, title string, fields map[string]interface{}) (bool, error)
}

// Stats tracks relay activity for the /stats surface (spec section 6).
type Stats struct {
	ForwardedToMesh   int64
	ForwardedToSecure int64
	DuplicatesDropped int64
	DroppedNoDest     int64
}

// Directory maps between mesh node ids and secure destination hashes
// for implicit routing when a message carries no explicit prefix.
type Directory struct {
	mu          sync.RWMutex
	meshToSec   map[string]string
	secToMesh   map[string]string
}

func NewDirectory() *Directory {
	return &Directory{meshToSec: make(map[string]string), secToMesh: make(map[string]string)}
}

// Map records a bidirectional association between a mesh node id and
// a secure destination hash.
func (d *Directory) Map(meshNodeID, secureDestination string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meshToSec[meshNodeID] = secureDestination
	d.secToMesh[secureDestination] = meshNodeID
}

func (d *Directory) SecureFor(meshNodeID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.meshToSec[meshNodeID]
	return v, ok
}

func (d *Directory) MeshFor(secureDestination string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.secToMesh[secureDestination]
	return v, ok
}

// Relay listens to both transports' inbound messages and forwards
// deduplicated, origin-tagged copies to the other side.
type Relay struct {
	mesh      MeshSender
	secureTp  SecureSender
	dedup     Dedup
	directory *Directory
	log       *zap.Logger

	mu    sync.Mutex
	stats Stats
}

func New(meshSender MeshSender, secureSender SecureSender, dedup Dedup, directory *Directory, log *zap.Logger) *Relay {
	if dedup == nil {
		dedup = NewMemoryDedup(1000)
	}
	if directory == nil {
		directory = NewDirectory()
	}
	return &Relay{mesh: meshSender, secureTp: secureSender, dedup: dedup, directory: directory, log: log}
}

func dedupHash(source, body string) string {
	sum := sha256.Sum256([]byte(source + body))
	return hex.EncodeToString(sum[:])[:16]
}

// HandleMeshMessage is wired to the mesh supervisor's OnMessage
// callback: inbound mesh text is considered for forwarding to secure.
func (r *Relay) HandleMeshMessage(source, destination, text string, raw []byte) {
	hash := dedupHash(source, text)
	if r.dedup.Seen(hash) {
		r.bump(func(s *Stats) { s.DuplicatesDropped++ })
		r.log.Debug("relay dropped duplicate mesh message", logging.RelayFields("mesh").Zap()...)
		return
	}

	body, explicitSecure, explicitMesh := stripPrefix(text)
	if explicitMesh {
		// Explicitly destined back for the mesh; nothing to relay.
		return
	}

	dest := destination
	if !explicitSecure {
		if mapped, ok := r.directory.SecureFor(source); ok {
			dest = mapped
		}
	}
	if dest == "" {
		r.bump(func(s *Stats) { s.DroppedNoDest++ })
		r.log.Debug("relay dropped mesh message with no resolvable secure destination", logging.RelayFields("mesh").Zap()...)
		return
	}

	tagged := fmt.Sprintf("From Mesh: %s — %s", source, body)
	ok, err := r.secureTp.Send(context.Background(), dest, tagged, "Relayed from Mesh", nil)
	if err != nil || !ok {
		r.log.Warn("relay forward to secure failed", logging.RelayFields("mesh_to_secure").Error(err).Zap()...)
		return
	}
	r.bump(func(s *Stats) { s.ForwardedToSecure++ })
}

// HandleSecureMessage is wired to the secure supervisor's OnReceive
// handler: inbound secure deliveries are considered for forwarding to
// mesh.
func (r *Relay) HandleSecureMessage(msg secure.StoredMessage) {
	hash := dedupHash(msg.Source, msg.Content)
	if r.dedup.Seen(hash) {
		r.bump(func(s *Stats) { s.DuplicatesDropped++ })
		r.log.Debug("relay dropped duplicate secure message", logging.RelayFields("secure").Zap()...)
		return
	}

	body, explicitSecure, _ := stripPrefix(msg.Content)
	if explicitSecure {
		return
	}

	dest := ""
	if mapped, ok := r.directory.MeshFor(msg.Source); ok {
		dest = mapped
	}
	// Mesh sends may broadcast (empty destination) per spec section 4.G.

	tagged := fmt.Sprintf("[NomadNet] %s", body)
	id, ok := r.mesh.Send(context.Background(), tagged, dest, false, 0)
	if !ok {
		r.log.Warn("relay forward to mesh failed", logging.RelayFields("secure_to_mesh").Zap()...)
		return
	}
	_ = id
	r.bump(func(s *Stats) { s.ForwardedToMesh++ })
}

// stripPrefix removes an explicit "N:"/"M:" destination-protocol
// prefix from body, reporting which (if any) was present.
func stripPrefix(text string) (body string, toSecure bool, toMesh bool) {
	switch {
	case strings.HasPrefix(text, securePrefix):
		return strings.TrimSpace(strings.TrimPrefix(text, securePrefix)), true, false
	case strings.HasPrefix(text, meshPrefix):
		return strings.TrimSpace(strings.TrimPrefix(text, meshPrefix)), false, true
	default:
		return text, false, false
	}
}

func (r *Relay) bump(f func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.stats)
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
