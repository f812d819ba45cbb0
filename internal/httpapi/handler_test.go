package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/httpapi"
	"github.com/aegis-home/meshbridge/internal/model"
	"github.com/aegis-home/meshbridge/internal/queue"
	"github.com/aegis-home/meshbridge/internal/relay"
	"github.com/aegis-home/meshbridge/pkg/transport"
)

type fakeAlerts struct {
	sendCalls []string
	ackReturn bool
	active    []model.Alert
	escalated []model.Alert
	byID      map[string]model.Alert
}

func (f *fakeAlerts) SendAlert(title, message string, priority model.Priority, source, category string, targetNodes []string, metadata map[string]interface{}) string {
	f.sendCalls = append(f.sendCalls, title)
	return "alert-1"
}
func (f *fakeAlerts) AcknowledgeAlert(alertID, acknowledgedBy string) bool { return f.ackReturn }
func (f *fakeAlerts) ActiveAlerts() []model.Alert                         { return f.active }
func (f *fakeAlerts) EscalatedAlerts() []model.Alert                      { return f.escalated }
func (f *fakeAlerts) Alert(id string) (model.Alert, bool) {
	a, ok := f.byID[id]
	return a, ok
}
func (f *fakeAlerts) UpdateRoutingRule(priority model.Priority, protocol *model.Protocol, escalationTimeoutSeconds *int, requireAck *bool) {
}

type fakeQueue struct {
	status     queue.Status
	retryOK    bool
	retryAllN  int
	retriedIDs []string
}

func (f *fakeQueue) Status() queue.Status { return f.status }
func (f *fakeQueue) RetryFailed(id string) bool {
	f.retriedIDs = append(f.retriedIDs, id)
	return f.retryOK
}
func (f *fakeQueue) RetryAllFailed() int { return f.retryAllN }
func (f *fakeQueue) GetMessage(id string) (model.QueuedMessage, bool) {
	return model.QueuedMessage{}, false
}

type fakeMesh struct {
	state model.ConnectionState
	nodes []model.Node
	sent  bool
}

func (f *fakeMesh) Send(ctx context.Context, text, destination string, wantAck bool, channelIndex int) (string, bool) {
	return "msg-1", f.sent
}
func (f *fakeMesh) State() model.ConnectionState    { return f.state }
func (f *fakeMesh) Nodes() []model.Node             { return f.nodes }
func (f *fakeMesh) Node(id string) (model.Node, bool) {
	for _, n := range f.nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return model.Node{}, false
}
func (f *fakeMesh) ConnectedNodes() []model.Node { return f.nodes }
func (f *fakeMesh) Stats() transport.Stats       { return transport.Stats{} }

type fakeSecure struct {
	state model.ConnectionState
	sent  bool
	err   error
}

func (f *fakeSecure) Send(ctx context.Context, destination, content, title string, fields map[string]interface{}) (bool, error) {
	return f.sent, f.err
}
func (f *fakeSecure) State() model.ConnectionState { return f.state }
func (f *fakeSecure) Stats() transport.Stats       { return transport.Stats{} }

type fakeConnectivity struct {
	state model.ConnectivityState
}

func (f *fakeConnectivity) State() model.ConnectivityState { return f.state }

type fakeRelay struct {
	stats relay.Stats
}

func (f *fakeRelay) Stats() relay.Stats { return f.stats }

func newTestServer(deps httpapi.Deps) *httptest.Server {
	return httptest.NewServer(httpapi.NewRouter(deps))
}

func decodeBody(resp *http.Response, out interface{}) {
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
}

var _ = Describe("HTTP API", func() {
	var (
		alerts *fakeAlerts
		q      *fakeQueue
		mesh   *fakeMesh
		secure *fakeSecure
		conn   *fakeConnectivity
		rel    *fakeRelay
		srv    *httptest.Server
	)

	BeforeEach(func() {
		alerts = &fakeAlerts{byID: map[string]model.Alert{}}
		q = &fakeQueue{}
		mesh = &fakeMesh{state: model.StateConnected}
		secure = &fakeSecure{state: model.StateConnected}
		conn = &fakeConnectivity{}
		rel = &fakeRelay{}
		srv = newTestServer(httpapi.Deps{
			Alerts:       alerts,
			Queue:        q,
			Mesh:         mesh,
			Secure:       secure,
			Connectivity: conn,
			Relay:        rel,
			Log:          zap.NewNop(),
		})
	})

	AfterEach(func() {
		srv.Close()
	})

	It("serves /healthz", func() {
		resp, err := http.Get(srv.URL + "/healthz")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("rejects an alert send missing required fields", func() {
		resp, err := http.Post(srv.URL+"/alert/send", "application/json", bytes.NewBufferString(`{}`))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("accepts a valid alert send and returns an alert id", func() {
		body := `{"title":"Leak","message":"water sensor tripped","source":"home-assistant"}`
		resp, err := http.Post(srv.URL+"/alert/send", "application/json", bytes.NewBufferString(body))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		var out map[string]interface{}
		decodeBody(resp, &out)
		Expect(out["alert_id"]).To(Equal("alert-1"))
		Expect(alerts.sendCalls).To(ConsistOf("Leak"))
	})

	It("acknowledges an alert", func() {
		alerts.ackReturn = true
		body := `{"alert_id":"a1","acknowledged_by":"ops"}`
		resp, err := http.Post(srv.URL+"/alert/acknowledge", "application/json", bytes.NewBufferString(body))
		Expect(err).NotTo(HaveOccurred())
		var out map[string]interface{}
		decodeBody(resp, &out)
		Expect(out["acknowledged"]).To(Equal(true))
	})

	It("returns 404 for an unknown alert", func() {
		resp, err := http.Get(srv.URL + "/alert/missing")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("reports mesh/secure/isp status", func() {
		conn.state = model.ConnectivityState{IsOnline: true}
		resp, err := http.Get(srv.URL + "/status")
		Expect(err).NotTo(HaveOccurred())
		var out map[string]interface{}
		decodeBody(resp, &out)
		Expect(out["mesh_connected"]).To(Equal(true))
		Expect(out["secure_connected"]).To(Equal(true))
		Expect(out["isp_online"]).To(Equal(true))
	})

	It("lists nodes", func() {
		mesh.nodes = []model.Node{{NodeID: "n1"}}
		resp, err := http.Get(srv.URL + "/nodes")
		Expect(err).NotTo(HaveOccurred())
		var out []model.Node
		decodeBody(resp, &out)
		Expect(out).To(HaveLen(1))
	})

	It("retries a single failed message by id", func() {
		q.retryOK = true
		body := `{"id":"m1"}`
		resp, err := http.Post(srv.URL+"/queue/retry-failed", "application/json", bytes.NewBufferString(body))
		Expect(err).NotTo(HaveOccurred())
		var out map[string]interface{}
		decodeBody(resp, &out)
		Expect(out["retried"]).To(Equal(float64(1)))
		Expect(q.retriedIDs).To(ConsistOf("m1"))
	})

	It("retries all failed messages when no id given", func() {
		q.retryAllN = 3
		resp, err := http.Post(srv.URL+"/queue/retry-failed", "application/json", bytes.NewBufferString(`{}`))
		Expect(err).NotTo(HaveOccurred())
		var out map[string]interface{}
		decodeBody(resp, &out)
		Expect(out["retried"]).To(Equal(float64(3)))
	})

	It("sends a direct message over both transports for protocol BOTH", func() {
		mesh.sent = true
		secure.sent = true
		body := `{"message":"hi","destination":"n1","protocol":"BOTH"}`
		resp, err := http.Post(srv.URL+"/message/send", "application/json", bytes.NewBufferString(body))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var out map[string]interface{}
		decodeBody(resp, &out)
		Expect(out["sent"]).To(Equal(true))
	})

	It("rejects a direct message send with an unknown protocol", func() {
		body := `{"message":"hi","protocol":"CARRIER_PIGEON"}`
		resp, err := http.Post(srv.URL+"/message/send", "application/json", bytes.NewBufferString(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("sends a direct message over the mesh transport", func() {
		mesh.sent = true
		body := `{"message":"hi","destination":"n1","protocol":"MESH"}`
		resp, err := http.Post(srv.URL+"/message/send", "application/json", bytes.NewBufferString(body))
		Expect(err).NotTo(HaveOccurred())
		var out map[string]interface{}
		decodeBody(resp, &out)
		Expect(out["sent"]).To(Equal(true))
	})

	It("applies CORS headers to responses", func() {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Origin", "http://example.com")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
	})

	It("keeps serving /healthz through the middleware stack", func() {
		Eventually(func() error {
			_, err := http.Get(srv.URL + "/healthz")
			return err
		}, 2*time.Second, 50*time.Millisecond).Should(Succeed())
	})
})
