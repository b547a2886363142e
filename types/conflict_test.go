package types

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func record(updatedAt int64, source Source, version int64) *Record {
	return &Record{
		Key:       "a@x.com",
		Payload:   map[string]interface{}{"name": "Ann"},
		UpdatedAt: updatedAt,
		Source:    source,
		Version:   version,
	}
}

var _ = Describe("Resolve", func() {
	It("applies when the destination has no record", func() {
		res := Resolve(nil, record(100, SourcePrimary, 1))
		Expect(res.Apply).To(BeTrue())
		Expect(res.Tie).To(BeFalse())
	})

	It("never applies a nil incoming record", func() {
		res := Resolve(record(100, SourcePrimary, 1), nil)
		Expect(res.Apply).To(BeFalse())
	})

	It("discards a stale incoming record", func() {
		res := Resolve(record(200, SourceSecondary, 1), record(100, SourcePrimary, 9))
		Expect(res.Apply).To(BeFalse())
		Expect(res.Tie).To(BeFalse())
	})

	It("applies a newer incoming record", func() {
		res := Resolve(record(100, SourcePrimary, 9), record(200, SourceSecondary, 1))
		Expect(res.Apply).To(BeTrue())
	})

	Context("exact timestamp ties", func() {
		It("prefers the primary-sourced record over the secondary one", func() {
			res := Resolve(record(100, SourceSecondary, 5), record(100, SourcePrimary, 1))
			Expect(res.Apply).To(BeTrue())
			Expect(res.Tie).To(BeTrue())
		})

		It("keeps a primary-sourced record against a secondary one", func() {
			res := Resolve(record(100, SourcePrimary, 1), record(100, SourceSecondary, 5))
			Expect(res.Apply).To(BeFalse())
			Expect(res.Tie).To(BeTrue())
		})

		It("falls back to the higher version when sources rank equal", func() {
			res := Resolve(record(100, SourceSecondary, 1), record(100, SourceSecondary, 2))
			Expect(res.Apply).To(BeTrue())
			Expect(res.Tie).To(BeTrue())
		})

		It("keeps the current record on a full tie", func() {
			res := Resolve(record(100, SourceSecondary, 2), record(100, SourceSecondary, 2))
			Expect(res.Apply).To(BeFalse())
			Expect(res.Tie).To(BeTrue())
		})
	})

	It("converges regardless of application order", func() {
		a := record(100, SourcePrimary, 1)
		b := record(100, SourceSecondary, 4)

		// Whichever copy is already present, the primary-sourced value wins.
		Expect(Resolve(a, b).Apply).To(BeFalse())
		Expect(Resolve(b, a).Apply).To(BeTrue())
	})
})
