package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aegis-home/meshbridge/internal/model"
)

type handler struct {
	deps     Deps
	validate *validator.Validate
}

func (h *handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *handler) sendAlert(w http.ResponseWriter, r *http.Request) {
	var req sendAlertRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	priority := model.PriorityMedium
	if req.Priority != "" {
		p, err := model.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid priority")
			return
		}
		priority = p
	}

	id := h.deps.Alerts.SendAlert(req.Title, req.Message, priority, req.Source, req.Category, req.TargetNodes, req.Metadata)
	writeJSON(w, http.StatusAccepted, sendAlertResponse{AlertID: id, Status: "queued"})
}

func (h *handler) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeAlertRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	ok := h.deps.Alerts.AcknowledgeAlert(req.AlertID, req.AcknowledgedBy)
	writeJSON(w, http.StatusOK, acknowledgeAlertResponse{Acknowledged: ok})
}

func (h *handler) activeAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Alerts.ActiveAlerts())
}

func (h *handler) escalatedAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Alerts.EscalatedAlerts())
}

func (h *handler) getAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alert, ok := h.deps.Alerts.Alert(id)
	if !ok {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	protocol, err := model.ParseProtocol(req.Protocol)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol")
		return
	}
	priority := model.PriorityMedium
	if req.Priority != "" {
		p, err := model.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid priority")
			return
		}
		priority = p
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var meshSent, secureSent bool
	var sendErr error
	if protocol == model.ProtocolMesh || protocol == model.ProtocolBoth {
		if h.deps.Mesh != nil {
			_, meshSent = h.deps.Mesh.Send(ctx, req.Message, req.Destination, false, 0)
		}
	}
	if protocol == model.ProtocolSecure || protocol == model.ProtocolBoth {
		if h.deps.Secure != nil {
			secureSent, sendErr = h.deps.Secure.Send(ctx, req.Destination, req.Message, "", nil)
		}
	}

	var sent bool
	switch protocol {
	case model.ProtocolBoth:
		sent = meshSent || secureSent
	case model.ProtocolSecure:
		sent = secureSent
	default:
		sent = meshSent
	}

	resp := sendMessageResponse{Sent: sent}
	if sendErr != nil {
		resp.Error = sendErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	var meshConnected, secureConnected bool
	if h.deps.Mesh != nil {
		meshConnected = h.deps.Mesh.State() == model.StateConnected
	}
	if h.deps.Secure != nil {
		secureConnected = h.deps.Secure.State() == model.StateConnected
	}
	var ispOnline bool
	if h.deps.Connectivity != nil {
		ispOnline = h.deps.Connectivity.State().IsOnline
	}
	writeJSON(w, http.StatusOK, statusResponse{
		MeshConnected:   meshConnected,
		SecureConnected: secureConnected,
		ISPOnline:       ispOnline,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{}
	if h.deps.Queue != nil {
		resp.Queue = h.deps.Queue.Status()
	}
	if h.deps.Mesh != nil {
		resp.Mesh = h.deps.Mesh.Stats()
	}
	if h.deps.Secure != nil {
		resp.Secure = h.deps.Secure.Stats()
	}
	if h.deps.Relay != nil {
		resp.Relay = h.deps.Relay.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) nodes(w http.ResponseWriter, r *http.Request) {
	if h.deps.Mesh == nil {
		writeJSON(w, http.StatusOK, []model.Node{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Mesh.Nodes())
}

func (h *handler) connectedNodes(w http.ResponseWriter, r *http.Request) {
	if h.deps.Mesh == nil {
		writeJSON(w, http.StatusOK, []model.Node{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Mesh.ConnectedNodes())
}

func (h *handler) getNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.deps.Mesh == nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	node, ok := h.deps.Mesh.Node(id)
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Queue.Status())
}

func (h *handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	var req retryFailedRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if h.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}

	if req.ID != "" {
		ok := h.deps.Queue.RetryFailed(req.ID)
		retried := 0
		if ok {
			retried = 1
		}
		writeJSON(w, http.StatusOK, retryFailedResponse{Retried: retried})
		return
	}
	writeJSON(w, http.StatusOK, retryFailedResponse{Retried: h.deps.Queue.RetryAllFailed()})
}

func (h *handler) ispStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Connectivity == nil {
		writeError(w, http.StatusServiceUnavailable, "connectivity monitor not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Connectivity.State())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
