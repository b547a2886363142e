package outbox

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/dualwrite/dualwrite/types"
	"github.com/dualwrite/dualwrite/validate"
)

// fakeRepo is an in-memory Repo honoring the status/retry selection rules
type fakeRepo struct {
	entries map[string]*types.OutboxEntry
	order   []string

	fetchErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: make(map[string]*types.OutboxEntry)}
}

func (f *fakeRepo) InsertOutbox(_ context.Context, entry *types.OutboxEntry) error {
	if _, ok := f.entries[entry.EventID]; ok {
		return nil
	}

	f.entries[entry.EventID] = entry
	f.order = append(f.order, entry.EventID)

	return nil
}

func (f *fakeRepo) FetchDueOutbox(_ context.Context, limit int64, maxRetries int) ([]*types.OutboxEntry, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	due := make([]*types.OutboxEntry, 0)

	for _, id := range f.order {
		entry := f.entries[id]

		if entry.Status == types.OutboxSent || entry.RetryCount >= maxRetries {
			continue
		}

		copied := *entry
		due = append(due, &copied)

		if int64(len(due)) >= limit {
			break
		}
	}

	return due, nil
}

func (f *fakeRepo) MarkOutboxSent(_ context.Context, eventID string) error {
	now := time.Now()
	f.entries[eventID].Status = types.OutboxSent
	f.entries[eventID].LastAttemptAt = &now
	return nil
}

func (f *fakeRepo) MarkOutboxFailed(_ context.Context, eventID string, retryCount int) error {
	now := time.Now()
	f.entries[eventID].Status = types.OutboxFailed
	f.entries[eventID].RetryCount = retryCount
	f.entries[eventID].LastAttemptAt = &now
	return nil
}

func (f *fakeRepo) DeleteSentOutboxBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var deleted int64

	remaining := make([]string, 0)

	for _, id := range f.order {
		entry := f.entries[id]

		if entry.Status == types.OutboxSent && entry.LastAttemptAt != nil && entry.LastAttemptAt.Before(cutoff) {
			delete(f.entries, id)
			deleted++
			continue
		}

		remaining = append(remaining, id)
	}

	f.order = remaining

	return deleted, nil
}

func (f *fakeRepo) OutboxStats(_ context.Context) (map[types.OutboxStatus]int64, error) {
	stats := make(map[types.OutboxStatus]int64)

	for _, entry := range f.entries {
		stats[entry.Status]++
	}

	return stats, nil
}

type fakePublisher struct {
	fail     bool
	payloads [][]byte
}

func (f *fakePublisher) Append(_ context.Context, _ string, payload []byte, _ int64) (string, error) {
	if f.fail {
		return "", errors.New("transport unreachable")
	}

	f.payloads = append(f.payloads, payload)

	return "1-0", nil
}

func changeEvent(id string) *types.ChangeEvent {
	return &types.ChangeEvent{
		EventID: id,
		Entity:  "user",
		Op:      types.OpUpdate,
		Key:     "a@x.com",
		Data: &types.Record{
			Key:       "a@x.com",
			Payload:   map[string]interface{}{"name": "Ann"},
			UpdatedAt: 100,
			Source:    types.SourcePrimary,
			Version:   1,
		},
		UpdatedAt: 100,
		Version:   1,
		Source:    types.SourcePrimary,
	}
}

var _ = Describe("Outbox Relay", func() {
	var (
		repo      *fakeRepo
		publisher *fakePublisher
		relay     *Relay
		ctx       context.Context
	)

	BeforeEach(func() {
		repo = newFakeRepo()
		publisher = &fakePublisher{}
		ctx = context.Background()

		var err error
		relay, err = New(&Config{
			Repo:      repo,
			Transport: publisher,
			StreamKey: "primary_changes",
			MaxRetries: 3,
		})
		Expect(err).ToNot(HaveOccurred())
	})

	Context("New", func() {
		It("requires a repo", func() {
			_, err := New(&Config{Transport: publisher, StreamKey: "s"})
			Expect(errors.Cause(err)).To(Equal(validate.ErrMissingRepo))
		})

		It("requires a transport", func() {
			_, err := New(&Config{Repo: repo, StreamKey: "s"})
			Expect(errors.Cause(err)).To(Equal(validate.ErrMissingTransport))
		})

		It("fills in defaults", func() {
			cfg := &Config{Repo: repo, Transport: publisher, StreamKey: "s"}
			_, err := New(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.BatchSize).To(Equal(int64(DefaultBatchSize)))
			Expect(cfg.MaxRetries).To(Equal(DefaultMaxRetries))
			Expect(cfg.Retention).To(Equal(DefaultRetention))
		})
	})

	Context("Stage", func() {
		It("persists a pending entry", func() {
			Expect(relay.Stage(ctx, changeEvent("primary:a@x.com:1"))).ToNot(HaveOccurred())

			Expect(repo.entries).To(HaveKey("primary:a@x.com:1"))
			Expect(repo.entries["primary:a@x.com:1"].Status).To(Equal(types.OutboxPending))
			Expect(relay.Metrics().Staged).To(Equal(int64(1)))
		})
	})

	Context("Drain", func() {
		It("delivers pending entries and marks them sent", func() {
			Expect(relay.Stage(ctx, changeEvent("primary:a@x.com:1"))).ToNot(HaveOccurred())
			Expect(relay.Stage(ctx, changeEvent("primary:b@x.com:1"))).ToNot(HaveOccurred())

			Expect(relay.Drain(ctx)).ToNot(HaveOccurred())

			Expect(publisher.payloads).To(HaveLen(2))
			Expect(repo.entries["primary:a@x.com:1"].Status).To(Equal(types.OutboxSent))
			Expect(relay.Metrics().Delivered).To(Equal(int64(2)))
		})

		It("increments the retry count on delivery failure", func() {
			Expect(relay.Stage(ctx, changeEvent("primary:a@x.com:1"))).ToNot(HaveOccurred())

			publisher.fail = true
			Expect(relay.Drain(ctx)).ToNot(HaveOccurred())

			entry := repo.entries["primary:a@x.com:1"]
			Expect(entry.Status).To(Equal(types.OutboxFailed))
			Expect(entry.RetryCount).To(Equal(1))
		})

		It("excludes entries at the retry ceiling from later batches", func() {
			Expect(relay.Stage(ctx, changeEvent("primary:a@x.com:1"))).ToNot(HaveOccurred())

			publisher.fail = true
			for i := 0; i < 3; i++ {
				Expect(relay.Drain(ctx)).ToNot(HaveOccurred())
			}

			Expect(relay.Metrics().Exhausted).To(Equal(int64(1)))

			// Transport recovers but the exhausted entry stays excluded
			publisher.fail = false
			Expect(relay.Drain(ctx)).ToNot(HaveOccurred())
			Expect(publisher.payloads).To(BeEmpty())

			// Retained, not deleted
			Expect(repo.entries).To(HaveKey("primary:a@x.com:1"))
		})

		It("delivers once the transport recovers", func() {
			Expect(relay.Stage(ctx, changeEvent("primary:a@x.com:1"))).ToNot(HaveOccurred())

			publisher.fail = true
			Expect(relay.Drain(ctx)).ToNot(HaveOccurred())

			publisher.fail = false
			Expect(relay.Drain(ctx)).ToNot(HaveOccurred())

			Expect(publisher.payloads).To(HaveLen(1))
			Expect(repo.entries["primary:a@x.com:1"].Status).To(Equal(types.OutboxSent))
		})

		It("propagates fetch failures", func() {
			repo.fetchErr = errors.New("primary store unreachable")
			Expect(relay.Drain(ctx)).To(HaveOccurred())
		})
	})

	Context("Cleanup", func() {
		It("deletes sent entries older than the retention window", func() {
			Expect(relay.Stage(ctx, changeEvent("primary:a@x.com:1"))).ToNot(HaveOccurred())
			Expect(relay.Drain(ctx)).ToNot(HaveOccurred())

			old := time.Now().Add(-48 * time.Hour)
			repo.entries["primary:a@x.com:1"].LastAttemptAt = &old

			Expect(relay.Cleanup(ctx)).ToNot(HaveOccurred())
			Expect(repo.entries).ToNot(HaveKey("primary:a@x.com:1"))
		})

		It("keeps recently sent entries", func() {
			Expect(relay.Stage(ctx, changeEvent("primary:a@x.com:1"))).ToNot(HaveOccurred())
			Expect(relay.Drain(ctx)).ToNot(HaveOccurred())

			Expect(relay.Cleanup(ctx)).ToNot(HaveOccurred())
			Expect(repo.entries).To(HaveKey("primary:a@x.com:1"))
		})
	})

	Context("Stats", func() {
		It("reports counts by status", func() {
			Expect(relay.Stage(ctx, changeEvent("primary:a@x.com:1"))).ToNot(HaveOccurred())
			Expect(relay.Stage(ctx, changeEvent("primary:b@x.com:1"))).ToNot(HaveOccurred())
			Expect(relay.Drain(ctx)).ToNot(HaveOccurred())

			stats, err := relay.Stats(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(stats[types.OutboxSent]).To(Equal(int64(2)))
		})
	})
})
