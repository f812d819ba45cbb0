// Package httpapi implements the inbound HTTP surface from spec
// section 6: alert and message submission, status/stats introspection,
// and queue control, served by a chi.Router.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/model"
	"github.com/aegis-home/meshbridge/internal/queue"
	"github.com/aegis-home/meshbridge/internal/relay"
	"github.com/aegis-home/meshbridge/pkg/transport"
)

// AlertManager is the subset of *alertmanager.Manager the HTTP surface
// depends on.
type AlertManager interface {
	SendAlert(title, message string, priority model.Priority, source, category string, targetNodes []string, metadata map[string]interface{}) string
	AcknowledgeAlert(alertID, acknowledgedBy string) bool
	ActiveAlerts() []model.Alert
	EscalatedAlerts() []model.Alert
	Alert(id string) (model.Alert, bool)
	UpdateRoutingRule(priority model.Priority, protocol *model.Protocol, escalationTimeoutSeconds *int, requireAck *bool)
}

// Queue is the subset of *queue.Queue the HTTP surface depends on.
type Queue interface {
	Status() queue.Status
	RetryFailed(id string) bool
	RetryAllFailed() int
	GetMessage(id string) (model.QueuedMessage, bool)
}

// MeshSupervisor is the subset of *mesh.Supervisor the HTTP surface
// depends on.
type MeshSupervisor interface {
	Send(ctx context.Context, text, destination string, wantAck bool, channelIndex int) (string, bool)
	State() model.ConnectionState
	Nodes() []model.Node
	Node(id string) (model.Node, bool)
	ConnectedNodes() []model.Node
	Stats() transport.Stats
}

// SecureSupervisor is the subset of *secure.Supervisor the HTTP
// surface depends on.
type SecureSupervisor interface {
	Send(ctx context.Context, destination, content, title string, fields map[string]interface{}) (bool, error)
	State() model.ConnectionState
	Stats() transport.Stats
}

// ConnectivityMonitor is the subset of *connectivity.Monitor the HTTP
// surface depends on.
type ConnectivityMonitor interface {
	State() model.ConnectivityState
}

// RelayStats is the subset of *relay.Relay the HTTP surface depends on.
type RelayStats interface {
	Stats() relay.Stats
}

// Deps bundles every component the router dispatches to.
type Deps struct {
	Alerts       AlertManager
	Queue        Queue
	Mesh         MeshSupervisor
	Secure       SecureSupervisor
	Connectivity ConnectivityMonitor
	Relay        RelayStats
	Log          *zap.Logger
}

// NewRouter builds the chi.Router implementing spec section 6's
// surface, grounded on the teacher's chi + go-chi/cors stack.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := &handler{deps: deps, validate: validator.New()}

	r.Post("/alert/send", h.sendAlert)
	r.Post("/alert/acknowledge", h.acknowledgeAlert)
	r.Get("/alerts/active", h.activeAlerts)
	r.Get("/alerts/escalated", h.escalatedAlerts)
	r.Get("/alert/{id}", h.getAlert)

	r.Post("/message/send", h.sendMessage)

	r.Get("/status", h.status)
	r.Get("/stats", h.stats)

	r.Get("/nodes", h.nodes)
	r.Get("/nodes/connected", h.connectedNodes)
	r.Get("/node/{id}", h.getNode)

	r.Get("/queue/status", h.queueStatus)
	r.Post("/queue/retry-failed", h.retryFailed)

	r.Get("/isp/status", h.ispStatus)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
