package consumer

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/dualwrite/dualwrite/stream"
	"github.com/dualwrite/dualwrite/types"
	"github.com/dualwrite/dualwrite/validate"
)

func wireEntry(id string, event *types.ChangeEvent) *stream.Entry {
	payload, err := event.Marshal()
	Expect(err).ToNot(HaveOccurred())

	return &stream.Entry{ID: id, Payload: payload}
}

func incomingEvent(key string, updatedAt, version int64, source types.Source, name string) *types.ChangeEvent {
	return &types.ChangeEvent{
		EventID: types.NewEventID(source, key, version),
		Entity:  "user",
		Op:      types.OpUpdate,
		Key:     key,
		Data: &types.Record{
			Key:       key,
			Payload:   map[string]interface{}{"name": name},
			UpdatedAt: updatedAt,
			Source:    source,
			Version:   version,
		},
		UpdatedAt: updatedAt,
		Version:   version,
		Source:    source,
	}
}

func deleteEvent(key string, version int64, source types.Source) *types.ChangeEvent {
	return &types.ChangeEvent{
		EventID:   types.NewEventID(source, key, version),
		Entity:    "user",
		Op:        types.OpDelete,
		Key:       key,
		UpdatedAt: 100,
		Version:   version,
		Source:    source,
	}
}

var _ = Describe("Consumer", func() {
	var (
		transport *fakeTransport
		dest      *fakeDest
		ledger    *fakeLedger
		c         *Consumer
		ctx       context.Context
	)

	BeforeEach(func() {
		transport = &fakeTransport{}
		dest = newFakeDest()
		ledger = newFakeLedger()
		ctx = context.Background()

		var err error
		c, err = New(&Config{
			Transport: transport,
			Dest:      dest,
			Ledger:    ledger,
			StreamKey: "primary_changes",
			Group:     "sync_primary_to_secondary",
		})
		Expect(err).ToNot(HaveOccurred())
	})

	Context("New", func() {
		It("requires a transport", func() {
			_, err := New(&Config{Dest: dest, Ledger: ledger, StreamKey: "s", Group: "g"})
			Expect(errors.Cause(err)).To(Equal(validate.ErrMissingTransport))
		})

		It("requires a group", func() {
			_, err := New(&Config{Transport: transport, Dest: dest, Ledger: ledger, StreamKey: "s"})
			Expect(errors.Cause(err)).To(Equal(validate.ErrMissingGroup))
		})

		It("generates a consumer name when none is given", func() {
			cfg := &Config{Transport: transport, Dest: dest, Ledger: ledger, StreamKey: "s", Group: "g"}
			_, err := New(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.ConsumerName).To(HavePrefix("consumer-"))
		})
	})

	Context("handleEntry", func() {
		It("applies an event to an empty destination", func() {
			event := incomingEvent("a@x.com", 100, 1, types.SourcePrimary, "Ann")
			c.handleEntry(ctx, wireEntry("1-0", event))

			Expect(dest.records["a@x.com"]).ToNot(BeNil())
			Expect(dest.records["a@x.com"].Payload["name"]).To(Equal("Ann"))
			Expect(transport.acked).To(Equal([]string{"1-0"}))
			Expect(c.Metrics().Processed).To(Equal(int64(1)))
		})

		It("applies the same event only once", func() {
			event := incomingEvent("a@x.com", 100, 1, types.SourcePrimary, "Ann")

			c.handleEntry(ctx, wireEntry("1-0", event))

			// Simulate a concurrent write to the destination, then redeliver
			dest.records["a@x.com"].Payload["name"] = "Annika"
			c.handleEntry(ctx, wireEntry("1-1", event))

			// The duplicate was acked without touching the destination
			Expect(dest.records["a@x.com"].Payload["name"]).To(Equal("Annika"))
			Expect(transport.acked).To(Equal([]string{"1-0", "1-1"}))
			Expect(c.Metrics().Processed).To(Equal(int64(1)))
		})

		It("discards a stale incoming event", func() {
			dest.records["a@x.com"] = &types.Record{
				Key: "a@x.com", Payload: map[string]interface{}{"name": "New"},
				UpdatedAt: 200, Source: types.SourceSecondary, Version: 2,
			}

			event := incomingEvent("a@x.com", 100, 1, types.SourcePrimary, "Old")
			c.handleEntry(ctx, wireEntry("1-0", event))

			Expect(dest.records["a@x.com"].Payload["name"]).To(Equal("New"))
			Expect(transport.acked).To(Equal([]string{"1-0"}))
			Expect(c.Metrics().Conflicts).To(BeZero())
		})

		It("resolves an exact timestamp tie for the primary source", func() {
			dest.records["a@x.com"] = &types.Record{
				Key: "a@x.com", Payload: map[string]interface{}{"name": "FromSecondary"},
				UpdatedAt: 100, Source: types.SourceSecondary, Version: 1,
			}

			event := incomingEvent("a@x.com", 100, 1, types.SourcePrimary, "FromPrimary")
			c.handleEntry(ctx, wireEntry("1-0", event))

			Expect(dest.records["a@x.com"].Payload["name"]).To(Equal("FromPrimary"))
			Expect(c.Metrics().Conflicts).To(Equal(int64(1)))
		})

		It("rejects a secondary-sourced event on an exact tie with a primary copy", func() {
			dest.records["a@x.com"] = &types.Record{
				Key: "a@x.com", Payload: map[string]interface{}{"name": "FromPrimary"},
				UpdatedAt: 100, Source: types.SourcePrimary, Version: 1,
			}

			event := incomingEvent("a@x.com", 100, 1, types.SourceSecondary, "FromSecondary")
			c.handleEntry(ctx, wireEntry("1-0", event))

			Expect(dest.records["a@x.com"].Payload["name"]).To(Equal("FromPrimary"))
			Expect(c.Metrics().Conflicts).To(Equal(int64(1)))
			Expect(transport.acked).To(Equal([]string{"1-0"}))
		})

		It("removes the record on a delete event and is idempotent on redelivery", func() {
			dest.records["a@x.com"] = &types.Record{Key: "a@x.com", UpdatedAt: 100}

			event := deleteEvent("a@x.com", 2, types.SourcePrimary)
			c.handleEntry(ctx, wireEntry("1-0", event))
			Expect(dest.records).ToNot(HaveKey("a@x.com"))

			c.handleEntry(ctx, wireEntry("1-1", event))
			Expect(dest.records).ToNot(HaveKey("a@x.com"))
			Expect(transport.acked).To(Equal([]string{"1-0", "1-1"}))
		})

		It("acknowledges and discards malformed payloads", func() {
			c.handleEntry(ctx, &stream.Entry{ID: "1-0", Payload: []byte("{broken")})

			Expect(transport.acked).To(Equal([]string{"1-0"}))
			Expect(c.Metrics().Processed).To(BeZero())
			Expect(c.Metrics().Retries).To(BeZero())
		})

		It("acknowledges and discards entries without a payload", func() {
			c.handleEntry(ctx, &stream.Entry{ID: "1-0"})

			Expect(transport.acked).To(Equal([]string{"1-0"}))
		})

		It("leaves the entry pending when the destination store fails", func() {
			dest.applyErr = errStoreDown

			event := incomingEvent("a@x.com", 100, 1, types.SourcePrimary, "Ann")
			c.handleEntry(ctx, wireEntry("1-0", event))

			Expect(transport.acked).To(BeEmpty())
			Expect(c.Metrics().Retries).To(Equal(int64(1)))

			// The ledger must not contain the event either, or the retry
			// would be wrongly deduplicated
			Expect(ledger.seen).ToNot(HaveKey(event.EventID))
		})

		It("leaves the entry pending when the ledger check fails", func() {
			ledger.seenErr = errStoreDown

			event := incomingEvent("a@x.com", 100, 1, types.SourcePrimary, "Ann")
			c.handleEntry(ctx, wireEntry("1-0", event))

			Expect(transport.acked).To(BeEmpty())
			Expect(c.Metrics().Retries).To(Equal(int64(1)))
		})
	})

	Context("Run", func() {
		It("drains delivered entries and exits on cancellation", func() {
			transport.entries = []*stream.Entry{
				wireEntry("1-0", incomingEvent("a@x.com", 100, 1, types.SourcePrimary, "Ann")),
				wireEntry("2-0", incomingEvent("b@x.com", 100, 1, types.SourcePrimary, "Bob")),
			}

			runCtx, cancel := context.WithCancel(ctx)

			done := make(chan error, 1)
			go func() { done <- c.Run(runCtx) }()

			Eventually(func() int64 { return c.Metrics().Processed }).Should(Equal(int64(2)))

			cancel()
			Eventually(done).Should(Receive(BeNil()))

			Expect(dest.records).To(HaveKey("a@x.com"))
			Expect(dest.records).To(HaveKey("b@x.com"))
		})
	})
})
