package stream

import (
	"github.com/go-redis/redis/v8"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/dualwrite/dualwrite/validate"
)

func logEntry() *logrus.Entry {
	return logrus.WithField("pkg", "stream")
}

var _ = Describe("Stream Transport", func() {
	Context("New", func() {
		It("requires a client", func() {
			_, err := New(nil)
			Expect(err).To(Equal(validate.ErrMissingClient))
		})
	})

	Context("toEntries", func() {
		var s *Stream

		BeforeEach(func() {
			s = &Stream{log: logEntry()}
		})

		It("extracts the payload field", func() {
			entries := s.toEntries([]redis.XMessage{
				{ID: "1-0", Values: map[string]interface{}{PayloadField: `{"eventId":"x"}`}},
			})

			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ID).To(Equal("1-0"))
			Expect(entries[0].Payload).To(Equal([]byte(`{"eventId":"x"}`)))
		})

		It("returns a nil payload when the field is missing", func() {
			entries := s.toEntries([]redis.XMessage{
				{ID: "2-0", Values: map[string]interface{}{"other": "value"}},
			})

			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Payload).To(BeNil())
		})

		It("returns a nil payload when the field is not a string", func() {
			entries := s.toEntries([]redis.XMessage{
				{ID: "3-0", Values: map[string]interface{}{PayloadField: 42}},
			})

			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Payload).To(BeNil())
		})
	})
})
