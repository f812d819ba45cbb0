package httpapi

import "github.com/aegis-home/meshbridge/internal/model"

type sendAlertRequest struct {
	Title       string                 `json:"title" validate:"required"`
	Message     string                 `json:"message" validate:"required"`
	Priority    string                 `json:"priority"`
	Source      string                 `json:"source" validate:"required"`
	Category    string                 `json:"category"`
	TargetNodes []string               `json:"target_nodes"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type sendAlertResponse struct {
	AlertID string `json:"alert_id"`
	Status  string `json:"status"`
}

type acknowledgeAlertRequest struct {
	AlertID        string `json:"alert_id" validate:"required"`
	AcknowledgedBy string `json:"acknowledged_by" validate:"required"`
}

type acknowledgeAlertResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

type sendMessageRequest struct {
	Message     string `json:"message" validate:"required"`
	Destination string `json:"destination"`
	Priority    string `json:"priority"`
	Protocol    string `json:"protocol" validate:"required"`
}

type sendMessageResponse struct {
	Sent      bool   `json:"sent"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type statusResponse struct {
	MeshConnected   bool   `json:"mesh_connected"`
	SecureConnected bool   `json:"secure_connected"`
	ISPOnline       bool   `json:"isp_online"`
	Timestamp       string `json:"timestamp"`
}

type statsResponse struct {
	Queue    interface{} `json:"queue"`
	Mesh     interface{} `json:"mesh"`
	Secure   interface{} `json:"secure"`
	Relay    interface{} `json:"relay"`
}

type retryFailedRequest struct {
	ID string `json:"id"`
}

type retryFailedResponse struct {
	Retried int `json:"retried"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toAlertProtocolPtr(s string) (*model.Protocol, error) {
	if s == "" {
		return nil, nil
	}
	p, err := model.ParseProtocol(s)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
