package cache

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cache")
}

var _ = Describe("Cache", func() {
	Describe("capacity 0", func() {
		It("never retains anything", func() {
			c := New(0)
			c.Put("a", Modify)
			_, ok := c.Get("a")
			Expect(ok).To(BeFalse())
			Expect(c.Len()).To(Equal(0))
		})
	})

	Describe("negative capacity", func() {
		It("is treated as disabled, not clamped to 1", func() {
			c := New(-5)
			c.Put("a", Pass)
			_, ok := c.Get("a")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Get/Put", func() {
		It("round-trips a value", func() {
			c := New(2)
			c.Put("ua-1", Modify)
			v, ok := c.Get("ua-1")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(Modify))
		})

		It("reports a miss for an absent key", func() {
			c := New(2)
			_, ok := c.Get("missing")
			Expect(ok).To(BeFalse())
		})

		It("overwrites an existing key's value", func() {
			c := New(2)
			c.Put("ua-1", Pass)
			c.Put("ua-1", Modify)
			v, _ := c.Get("ua-1")
			Expect(v).To(Equal(Modify))
			Expect(c.Len()).To(Equal(1))
		})
	})

	Describe("eviction", func() {
		It("evicts the least recently used entry once over capacity", func() {
			c := New(2)
			c.Put("a", Pass)
			c.Put("b", Pass)
			c.Put("c", Pass)

			_, ok := c.Get("a")
			Expect(ok).To(BeFalse())

			_, ok = c.Get("b")
			Expect(ok).To(BeTrue())
			_, ok = c.Get("c")
			Expect(ok).To(BeTrue())
			Expect(c.Len()).To(Equal(2))
		})

		It("promotes an entry on Get, protecting it from the next eviction", func() {
			c := New(2)
			c.Put("a", Pass)
			c.Put("b", Pass)

			c.Get("a") // promote a to most-recently-used

			c.Put("c", Pass) // should evict b, not a

			_, ok := c.Get("a")
			Expect(ok).To(BeTrue())
			_, ok = c.Get("b")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Decision.String()", func() {
		It("names all three values", func() {
			Expect(Pass.String()).To(Equal("PASS"))
			Expect(Modify.String()).To(Equal("MODIFY"))
			Expect(FWWhitelist.String()).To(Equal("FW_WHITELIST"))
		})
	})
})
