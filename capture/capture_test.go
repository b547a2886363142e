package capture

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/dualwrite/dualwrite/types"
	"github.com/dualwrite/dualwrite/validate"
)

func notification(op, key string, doc *types.Record, marker string) *types.ChangeNotification {
	return &types.ChangeNotification{
		Operation: op,
		Document:  doc,
		Key:       key,
		Marker:    []byte(marker),
	}
}

func postImage(key string, version int64) *types.Record {
	return &types.Record{
		Key:       key,
		Payload:   map[string]interface{}{"name": "Ann"},
		UpdatedAt: 100,
		Source:    types.SourcePrimary,
		Version:   version,
	}
}

var _ = Describe("Capture", func() {
	var (
		opener    *fakeOpener
		markers   *fakeMarkers
		publisher *fakePublisher
		stager    *fakeStager
		cfg       *Config
	)

	BeforeEach(func() {
		opener = &fakeOpener{feed: &fakeFeed{}}
		markers = &fakeMarkers{}
		publisher = &fakePublisher{}
		stager = &fakeStager{}

		cfg = &Config{
			Feeds:     opener,
			Markers:   markers,
			Transport: publisher,
			Outbox:    stager,
			StreamKey: "primary_changes",
		}
	})

	Context("New", func() {
		It("returns a capture instance", func() {
			c, err := New(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(c).ToNot(BeNil())
		})

		It("fills in defaults", func() {
			_, err := New(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Entity).To(Equal(types.DefaultEntity))
			Expect(cfg.FeedRetries).To(Equal(DefaultFeedRetries))
		})

		It("requires a config", func() {
			_, err := New(nil)
			Expect(err).To(HaveOccurred())
		})

		It("requires a stream key", func() {
			cfg.StreamKey = ""
			_, err := New(cfg)
			Expect(errors.Cause(err)).To(Equal(validate.ErrMissingStreamKey))
		})
	})

	Context("Run", func() {
		It("publishes one event per committed write", func() {
			opener.feed.notifications = []*types.ChangeNotification{
				notification("insert", "a@x.com", postImage("a@x.com", 1), "m1"),
				notification("update", "a@x.com", postImage("a@x.com", 2), "m2"),
			}

			c, _ := New(cfg)
			Expect(c.Run(context.Background())).ToNot(HaveOccurred())

			Expect(publisher.payloads).To(HaveLen(2))

			event, err := types.UnmarshalChangeEvent(publisher.payloads[0])
			Expect(err).ToNot(HaveOccurred())
			Expect(event.EventID).To(Equal("primary:a@x.com:1"))
			Expect(event.Op).To(Equal(types.OpCreate))
			Expect(event.Source).To(Equal(types.SourcePrimary))

			Expect(c.Metrics().Published).To(Equal(int64(2)))
		})

		It("persists the resume marker before publishing", func() {
			publisher.fail = true
			opener.feed.notifications = []*types.ChangeNotification{
				notification("insert", "a@x.com", postImage("a@x.com", 1), "m1"),
			}

			c, _ := New(cfg)
			Expect(c.Run(context.Background())).ToNot(HaveOccurred())

			// Publish failed yet the marker advanced
			Expect(markers.marker).To(Equal([]byte("m1")))
		})

		It("resumes from the persisted marker", func() {
			markers.marker = []byte("m9")

			c, _ := New(cfg)
			Expect(c.Run(context.Background())).ToNot(HaveOccurred())

			Expect(opener.lastMarker).To(Equal([]byte("m9")))
		})

		It("stages the event in the outbox when live publish fails", func() {
			publisher.fail = true
			opener.feed.notifications = []*types.ChangeNotification{
				notification("update", "a@x.com", postImage("a@x.com", 3), "m1"),
			}

			c, _ := New(cfg)
			Expect(c.Run(context.Background())).ToNot(HaveOccurred())

			Expect(stager.staged).To(HaveLen(1))
			Expect(stager.staged[0].EventID).To(Equal("primary:a@x.com:3"))
			Expect(c.Metrics().Staged).To(Equal(int64(1)))
			Expect(c.Metrics().Published).To(BeZero())
		})

		It("drops notifications without a usable post-image", func() {
			opener.feed.notifications = []*types.ChangeNotification{
				notification("update", "a@x.com", nil, "m1"),
			}

			c, _ := New(cfg)
			Expect(c.Run(context.Background())).ToNot(HaveOccurred())

			Expect(publisher.payloads).To(BeEmpty())
			Expect(stager.staged).To(BeEmpty())

			// The marker still advances past the dropped notification
			Expect(markers.marker).To(Equal([]byte("m1")))
		})

		It("emits a delete event using the document key", func() {
			opener.feed.notifications = []*types.ChangeNotification{
				notification("delete", "a@x.com", nil, "m1"),
			}

			c, _ := New(cfg)
			Expect(c.Run(context.Background())).ToNot(HaveOccurred())

			Expect(publisher.payloads).To(HaveLen(1))

			event, err := types.UnmarshalChangeEvent(publisher.payloads[0])
			Expect(err).ToNot(HaveOccurred())
			Expect(event.Op).To(Equal(types.OpDelete))
			Expect(event.Key).To(Equal("a@x.com"))
			Expect(event.Data).To(BeNil())
		})

		It("ignores unknown operation types", func() {
			opener.feed.notifications = []*types.ChangeNotification{
				notification("invalidate", "", nil, "m1"),
			}

			c, _ := New(cfg)
			Expect(c.Run(context.Background())).ToNot(HaveOccurred())

			Expect(publisher.payloads).To(BeEmpty())
		})

		It("gives up after the feed retry ceiling", func() {
			originalInterval := FeedRetryInterval
			FeedRetryInterval = 10 * time.Millisecond
			defer func() { FeedRetryInterval = originalInterval }()

			opener.openErr = errors.New("primary store unreachable")
			cfg.FeedRetries = 2

			c, _ := New(cfg)
			err := c.Run(context.Background())
			Expect(err).To(Equal(ErrFeedRetriesExhausted))
			Expect(opener.openCalls).To(Equal(2))
		})

		It("clears a marker the store refuses so the next open starts fresh", func() {
			originalInterval := FeedRetryInterval
			FeedRetryInterval = 10 * time.Millisecond
			defer func() { FeedRetryInterval = originalInterval }()

			markers.marker = []byte("stale-token")
			opener.openErr = errors.New("resume point no longer in the oplog")
			cfg.FeedRetries = 2

			c, _ := New(cfg)
			err := c.Run(context.Background())

			Expect(err).To(Equal(ErrFeedRetriesExhausted))
			Expect(markers.marker).To(BeNil())
			// Second attempt opened without the stale marker
			Expect(opener.lastMarker).To(BeNil())
		})
	})
})
