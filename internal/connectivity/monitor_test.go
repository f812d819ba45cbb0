package connectivity_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/connectivity"
)

// alwaysFail returns a Dialer that never succeeds.
func alwaysFail(network, address string, timeout time.Duration) (net.Conn, error) {
	return nil, errors.New("unreachable")
}

// flippableDialer succeeds or fails depending on an atomic flag.
func flippableDialer(up *int32) connectivity.Dialer {
	return func(network, address string, timeout time.Duration) (net.Conn, error) {
		if atomic.LoadInt32(up) == 1 {
			server, client := net.Pipe()
			go server.Close()
			return client, nil
		}
		return nil, errors.New("unreachable")
	}
}

var _ = Describe("Monitor", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	It("starts online and stays online while probes succeed", func() {
		up := int32(1)
		m := connectivity.New(connectivity.Config{
			CheckInterval:   5 * time.Millisecond,
			CheckHosts:      []string{"10.0.0.1:9"},
			FailedThreshold: 3,
			Dial:            flippableDialer(&up),
		}, zap.NewNop())

		Expect(m.Start(ctx)).To(Succeed())
		defer m.Stop()
		Consistently(func() bool { return m.State().IsOnline }, 30*time.Millisecond, 5*time.Millisecond).Should(BeTrue())
	})

	It("transitions offline only after the failure threshold, not on the first failure", func() {
		m := connectivity.New(connectivity.Config{
			CheckInterval:   5 * time.Millisecond,
			CheckHosts:      []string{"10.0.0.1:9"},
			FailedThreshold: 3,
			Dial:            alwaysFail,
		}, zap.NewNop())

		Expect(m.Start(ctx)).To(Succeed())
		defer m.Stop()

		// After the very first synchronous probe in Start, still online.
		Expect(m.State().IsOnline).To(BeTrue())

		Eventually(func() bool { return m.State().IsOnline }, 100*time.Millisecond, 5*time.Millisecond).Should(BeFalse())
		Expect(m.State().FailoverActive).To(BeTrue())
		Expect(m.State().FailoverTriggeredAt).NotTo(BeNil())
	})

	It("invokes the failover callback exactly once per transition", func() {
		var mu sync.Mutex
		var events []bool

		up := int32(1)
		m := connectivity.New(connectivity.Config{
			CheckInterval:   5 * time.Millisecond,
			CheckHosts:      []string{"10.0.0.1:9"},
			FailedThreshold: 2,
			Dial:            flippableDialer(&up),
		}, zap.NewNop())
		m.OnFailover(func(active bool) {
			mu.Lock()
			events = append(events, active)
			mu.Unlock()
		})

		Expect(m.Start(ctx)).To(Succeed())
		defer m.Stop()

		atomic.StoreInt32(&up, 0)
		Eventually(func() bool { return m.State().FailoverActive }, 100*time.Millisecond, 5*time.Millisecond).Should(BeTrue())

		atomic.StoreInt32(&up, 1)
		Eventually(func() bool { return m.State().FailoverActive }, 100*time.Millisecond, 5*time.Millisecond).Should(BeFalse())

		mu.Lock()
		defer mu.Unlock()
		Expect(events).To(Equal([]bool{true, false}))
	})

	It("transitions back online immediately on the first success", func() {
		up := int32(0)
		m := connectivity.New(connectivity.Config{
			CheckInterval:   5 * time.Millisecond,
			CheckHosts:      []string{"10.0.0.1:9"},
			FailedThreshold: 2,
			Dial:            flippableDialer(&up),
		}, zap.NewNop())

		Expect(m.Start(ctx)).To(Succeed())
		defer m.Stop()
		Eventually(func() bool { return m.State().FailoverActive }, 100*time.Millisecond, 5*time.Millisecond).Should(BeTrue())

		atomic.StoreInt32(&up, 1)
		Eventually(func() bool { return m.State().IsOnline }, 20*time.Millisecond, 2*time.Millisecond).Should(BeTrue())
	})
})
