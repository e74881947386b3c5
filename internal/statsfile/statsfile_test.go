package statsfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/neolnax/uaforge/internal/counters"
)

func TestStatsfile(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "statsfile")
}

var _ = Describe("Writer", func() {
	var path string
	var ctrs *counters.Counters

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "uaforge.stats")
		ctrs = counters.New()
	})

	readLines := func() map[string]string {
		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		out := map[string]string{}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			parts := strings.SplitN(line, ":", 2)
			Expect(parts).To(HaveLen(2))
			out[parts[0]] = parts[1]
		}
		return out
	}

	It("writes all nine fields", func() {
		w := New(path, time.Hour, ctrs)
		w.write(time.Now())

		lines := readLines()
		for _, key := range []string{
			"current_connections", "total_requests", "rps",
			"successful_modifications", "direct_passthrough", "rule_processing",
			"cache_hit_modify", "cache_hit_pass", "total_cache_ratio",
		} {
			Expect(lines).To(HaveKey(key))
		}
	})

	It("reflects the current counter snapshot", func() {
		ctrs.IncActiveConnections()
		ctrs.IncHTTPRequests()
		ctrs.IncModifiedRequests()

		w := New(path, time.Hour, ctrs)
		w.write(time.Now())

		lines := readLines()
		Expect(lines["current_connections"]).To(Equal("1"))
		Expect(lines["total_requests"]).To(Equal("1"))
		Expect(lines["successful_modifications"]).To(Equal("1"))
		Expect(lines["direct_passthrough"]).To(Equal("0"))
	})

	It("computes rps as a windowed delta, not a lifetime average", func() {
		w := New(path, time.Hour, ctrs)
		start := time.Now()
		w.write(start)

		ctrs.IncHTTPRequests()
		ctrs.IncHTTPRequests()
		w.write(start.Add(2 * time.Second))

		lines := readLines()
		Expect(lines["rps"]).To(Equal("1.00"))
	})

	It("writes atomically, leaving no temp file behind", func() {
		w := New(path, time.Hour, ctrs)
		w.write(time.Now())

		entries, err := os.ReadDir(filepath.Dir(path))
		Expect(err).NotTo(HaveOccurred())
		for _, e := range entries {
			Expect(e.Name()).NotTo(ContainSubstring(".tmp"))
		}
	})

	It("defaults an empty path and non-positive interval", func() {
		w := New("", 0, ctrs)
		Expect(w.path).To(Equal(defaultPath))
		Expect(w.interval).To(Equal(DefaultInterval))
	})
})
