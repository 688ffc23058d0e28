package consensus

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/store"
	"github.com/taskfabric/fabric/pkg/task"
)

func newMiniredisStore() (store.Store, *miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return store.NewFromClient(client, 2*time.Second), mr, client
}

type recorderFunc func(ctx context.Context, snap task.Snapshot, requestID string) error

func (f recorderFunc) RecordSnapshot(ctx context.Context, snap task.Snapshot, requestID string) error {
	return f(ctx, snap, requestID)
}

var _ = Describe("Gate", func() {
	var (
		g           *Gate
		ctx         context.Context
		redisServer *miniredis.Miniredis
		redisClient *redis.Client
	)

	BeforeEach(func() {
		s, mr, client := newMiniredisStore()
		redisServer = mr
		redisClient = client
		g = New(s, logging.Nop(), Config{}, nil, nil, nil)
		ctx = context.Background()
	})

	AfterEach(func() {
		_ = redisClient.Close()
		redisServer.Close()
	})

	Describe("Propose", func() {
		It("defaults the request's required_approvals to the caller's floor", func() {
			ar, err := g.Propose(ctx, ProposeRequest{
				Operation:         "delete",
				Targets:           []string{"/tmp/scratch"},
				Initiator:         "agent-1",
				RequiredApprovals: 2,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(ar.RequiredApprovals).To(Equal(2))
			Expect(ar.Status).To(Equal(task.ApprovalPending))
		})

		It("records the snapshot durably before the request becomes visible", func() {
			s, mr, client := newMiniredisStore()
			defer func() { _ = client.Close(); mr.Close() }()
			recorded := false
			var recordedReqID string
			visibleAtRecord := true

			taker := func(ctx context.Context, targets []string) (*task.Snapshot, error) {
				return &task.Snapshot{SnapshotID: "snap-1", Targets: targets, CreatedAt: time.Now()}, nil
			}
			recorder := recorderFunc(func(ctx context.Context, snap task.Snapshot, requestID string) error {
				recorded = true
				recordedReqID = requestID
				_, visibleAtRecord, _ = s.Get(ctx, store.ConsensusRequestKey(requestID))
				return nil
			})

			gg := New(s, logging.Nop(), Config{}, nil, taker, recorder)
			ar, err := gg.Propose(ctx, ProposeRequest{
				Operation: "delete", Targets: []string{"/data"}, Initiator: "agent-1", RequiredApprovals: 1,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(recorded).To(BeTrue())
			Expect(visibleAtRecord).To(BeFalse())
			Expect(recordedReqID).To(Equal(ar.RequestID))
			Expect(ar.SnapshotID).To(Equal("snap-1"))
		})
	})

	Describe("Approve", func() {
		It("flips to approved once quorum is reached", func() {
			ar, err := g.Propose(ctx, ProposeRequest{
				Operation: "delete", Targets: []string{"x"}, Initiator: "agent-1", RequiredApprovals: 2,
			})
			Expect(err).NotTo(HaveOccurred())

			status, err := g.Approve(ctx, ar.RequestID, "reviewer-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(task.ApprovalPending))

			status, err = g.Approve(ctx, ar.RequestID, "reviewer-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(task.ApprovalApproved))
		})

		It("rejects a self-approval vote from the initiator", func() {
			ar, err := g.Propose(ctx, ProposeRequest{
				Operation: "delete", Targets: []string{"x"}, Initiator: "agent-1", RequiredApprovals: 1,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = g.Approve(ctx, ar.RequestID, "agent-1")
			Expect(apperrors.IsType(err, apperrors.ErrorTypeValidation)).To(BeTrue())
		})

		It("rejects a second vote from the same reviewer", func() {
			ar, err := g.Propose(ctx, ProposeRequest{
				Operation: "delete", Targets: []string{"x"}, Initiator: "agent-1", RequiredApprovals: 3,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = g.Approve(ctx, ar.RequestID, "reviewer-1")
			Expect(err).NotTo(HaveOccurred())

			_, err = g.Approve(ctx, ar.RequestID, "reviewer-1")
			Expect(apperrors.IsConflict(err)).To(BeTrue())
		})
	})

	Describe("Reject", func() {
		It("is terminal: a single rejection blocks any further vote", func() {
			ar, err := g.Propose(ctx, ProposeRequest{
				Operation: "delete", Targets: []string{"x"}, Initiator: "agent-1", RequiredApprovals: 3,
			})
			Expect(err).NotTo(HaveOccurred())

			status, err := g.Reject(ctx, ar.RequestID, "reviewer-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(task.ApprovalRejected))

			_, err = g.Approve(ctx, ar.RequestID, "reviewer-2")
			Expect(apperrors.IsConflict(err)).To(BeTrue())
		})
	})

	Describe("SweepExpired", func() {
		It("flips a request whose deadline has passed to expired", func() {
			ar, err := g.Propose(ctx, ProposeRequest{
				Operation: "delete", Targets: []string{"x"}, Initiator: "agent-1",
				RequiredApprovals: 1, Deadline: time.Now().Add(-time.Minute),
			})
			Expect(err).NotTo(HaveOccurred())

			n, err := g.SweepExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			got, err := g.Get(ctx, ar.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(task.ApprovalExpired))
		})
	})

	Describe("Get", func() {
		It("reports not found for an unknown request id", func() {
			_, err := g.Get(ctx, "does-not-exist")
			Expect(apperrors.IsNotFound(err)).To(BeTrue())
		})
	})
})
