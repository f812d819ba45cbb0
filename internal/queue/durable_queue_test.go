package queue_test

import (
	"context"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/model"
	"github.com/aegis-home/meshbridge/internal/queue"
)

func newTestQueue(dir string, batchSize int, maxRetries int) *queue.Queue {
	return queue.New(queue.Config{
		MaxSize:         1000,
		BatchSize:       batchSize,
		FlushInterval:   20 * time.Millisecond,
		PersistencePath: dir,
		MaxRetries:      maxRetries,
	}, zap.NewNop())
}

var _ = Describe("Queue", func() {
	var (
		tempDir string
		q       *queue.Queue
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "queue-test")
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		os.RemoveAll(tempDir)
	})

	Describe("basic enqueue-send", func() {
		It("delivers a single message within two flush intervals", func() {
			q = newTestQueue(tempDir, 10, 3)
			q.SetSendHandler(func(model.QueuedMessage) bool { return true })
			Expect(q.Start(ctx)).To(Succeed())
			defer q.Stop()

			q.Enqueue("m1", "disk: fill 90%", "", model.PriorityMedium, model.ProtocolMesh, nil)

			Eventually(func() queue.Status { return q.Status() }, 200*time.Millisecond, 5*time.Millisecond).
				Should(SatisfyAll(
					HaveField("Pending", 0),
					HaveField("Sent", 1),
				))
		})
	})

	Describe("priority overtake", func() {
		It("sends CRITICAL before previously-queued LOW messages", func() {
			var mu sync.Mutex
			var order []string
			release := make(chan struct{})

			q = newTestQueue(tempDir, 10, 3)
			q.SetSendHandler(func(m model.QueuedMessage) bool {
				<-release
				mu.Lock()
				order = append(order, m.ID)
				mu.Unlock()
				return true
			})

			for i := 0; i < 5; i++ {
				q.EnqueueMessage(model.QueuedMessage{ID: "low" + string(rune('0'+i)), Priority: model.PriorityLow, MaxRetries: 3, CreatedAt: time.Now().UTC()})
			}
			q.EnqueueMessage(model.QueuedMessage{ID: "urgent", Priority: model.PriorityCritical, MaxRetries: 3, CreatedAt: time.Now().UTC()})

			Expect(q.Start(ctx)).To(Succeed())
			defer q.Stop()
			close(release)

			Eventually(func() queue.Status { return q.Status() }, 500*time.Millisecond, 5*time.Millisecond).
				Should(HaveField("Sent", 6))

			mu.Lock()
			defer mu.Unlock()
			Expect(order[0]).To(Equal("urgent"))
		})
	})

	Describe("retry demotion and failure", func() {
		It("fails after exhausting retries with a demoted priority", func() {
			q = newTestQueue(tempDir, 10, 3)
			q.SetSendHandler(func(model.QueuedMessage) bool { return false })
			Expect(q.Start(ctx)).To(Succeed())
			defer q.Stop()

			q.Enqueue("h1", "disk critical", "", model.PriorityHigh, model.ProtocolMesh, nil)

			Eventually(func() queue.Status { return q.Status() }, 500*time.Millisecond, 5*time.Millisecond).
				Should(HaveField("Failed", 1))

			failedMsg, ok := q.GetMessage("h1")
			Expect(ok).To(BeTrue())
			Expect(failedMsg.Status).To(Equal(model.StatusFailed))
			Expect(failedMsg.RetryCount).To(Equal(3))
			Expect(failedMsg.Priority).To(Equal(model.PriorityLow))
		})

		It("never demotes CRITICAL on retry", func() {
			q = newTestQueue(tempDir, 10, 3)
			q.SetSendHandler(func(model.QueuedMessage) bool { return false })
			Expect(q.Start(ctx)).To(Succeed())
			defer q.Stop()

			q.Enqueue("c1", "meltdown", "", model.PriorityCritical, model.ProtocolBoth, nil)

			Eventually(func() queue.Status { return q.Status() }, 300*time.Millisecond, 5*time.Millisecond).
				Should(HaveField("Failed", 1))

			failedMsg, _ := q.GetMessage("c1")
			Expect(failedMsg.Priority).To(Equal(model.PriorityCritical))
		})
	})

	Describe("overflow", func() {
		It("evicts the lowest-priority message when at capacity", func() {
			q = queue.New(queue.Config{MaxSize: 2, BatchSize: 10, FlushInterval: time.Hour, PersistencePath: tempDir, MaxRetries: 3}, zap.NewNop())

			q.EnqueueMessage(model.QueuedMessage{ID: "a", Priority: model.PriorityHigh, MaxRetries: 3, CreatedAt: time.Now().UTC()})
			q.EnqueueMessage(model.QueuedMessage{ID: "b", Priority: model.PriorityLow, MaxRetries: 3, CreatedAt: time.Now().UTC()})
			q.EnqueueMessage(model.QueuedMessage{ID: "c", Priority: model.PriorityMedium, MaxRetries: 3, CreatedAt: time.Now().UTC()})

			status := q.Status()
			Expect(status.Pending).To(Equal(2))
			Expect(status.Failed).To(Equal(1))

			evicted, ok := q.GetMessage("b")
			Expect(ok).To(BeTrue())
			Expect(evicted.Status).To(Equal(model.StatusFailed))
		})
	})

	Describe("retry-failed endpoints", func() {
		It("moves a specific failed message back to pending", func() {
			q = newTestQueue(tempDir, 10, 1)
			q.SetSendHandler(func(model.QueuedMessage) bool { return false })
			Expect(q.Start(ctx)).To(Succeed())

			q.Enqueue("f1", "oops", "", model.PriorityLow, model.ProtocolSecure, nil)
			Eventually(func() queue.Status { return q.Status() }, 300*time.Millisecond, 5*time.Millisecond).
				Should(HaveField("Failed", 1))
			q.Stop()

			Expect(q.RetryFailed("f1")).To(BeTrue())
			Expect(q.RetryFailed("unknown")).To(BeFalse())
			Expect(q.Status().Pending).To(Equal(1))
			Expect(q.Status().Failed).To(Equal(0))
		})
	})

	Describe("persistence", func() {
		It("restores pending and failed messages across a restart", func() {
			q = newTestQueue(tempDir, 10, 3)
			q.SetSendHandler(func(model.QueuedMessage) bool { return false })
			Expect(q.Start(ctx)).To(Succeed())

			ids := []string{"p1", "p2", "p3"}
			for _, id := range ids {
				q.Enqueue(id, "msg-"+id, "", model.PriorityMedium, model.ProtocolMesh, nil)
			}
			Eventually(func() queue.Status { return q.Status() }, 500*time.Millisecond, 5*time.Millisecond).
				Should(HaveField("Failed", 3))
			Expect(q.Stop()).To(Succeed())

			restarted := newTestQueue(tempDir, 10, 3)
			ctx2, cancel2 := context.WithCancel(context.Background())
			defer cancel2()
			Expect(restarted.Start(ctx2)).To(Succeed())
			defer restarted.Stop()

			for _, id := range ids {
				_, ok := restarted.GetMessage(id)
				Expect(ok).To(BeTrue(), "expected %s to survive restart", id)
			}
			Expect(restarted.Status().Failed).To(Equal(3))
		})
	})
})
