package logging

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestLogging(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "logging")
}

var _ = Describe("ParseLevel", func() {
	It("maps known names case-insensitively", func() {
		Expect(ParseLevel("debug")).To(Equal(Debug))
		Expect(ParseLevel("DEBUG")).To(Equal(Debug))
		Expect(ParseLevel("warn")).To(Equal(Warn))
		Expect(ParseLevel("warning")).To(Equal(Warn))
		Expect(ParseLevel("error")).To(Equal(Error))
		Expect(ParseLevel("info")).To(Equal(Info))
	})

	It("falls back to Info for unknown values", func() {
		Expect(ParseLevel("")).To(Equal(Info))
		Expect(ParseLevel("trace")).To(Equal(Info))
	})
})

var _ = Describe("Level.String", func() {
	It("names all four levels", func() {
		Expect(Debug.String()).To(Equal("DEBUG"))
		Expect(Info.String()).To(Equal("INFO"))
		Expect(Warn.String()).To(Equal("WARN"))
		Expect(Error.String()).To(Equal("ERROR"))
	})
})

var _ = Describe("New", func() {
	It("writes to the given file and gates below its level", func() {
		path := filepath.Join(GinkgoT().TempDir(), "uaforge.log")
		l, err := New(Warn, path)
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()

		l.Debugf("hidden %s", "debug")
		l.Infof("hidden %s", "info")
		l.Warnf("visible %s", "warn")
		l.Errorf("visible %s", "error")

		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		out := string(data)
		Expect(out).NotTo(ContainSubstring("hidden"))
		Expect(out).To(ContainSubstring("[WARN] visible warn"))
		Expect(out).To(ContainSubstring("[ERROR] visible error"))
	})

	It("defaults to stderr when path is empty", func() {
		l, err := New(Debug, "")
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()
		Expect(l.file).To(BeNil())
	})

	It("returns an error for an unwritable path", func() {
		_, err := New(Info, filepath.Join(GinkgoT().TempDir(), "missing-dir", "x.log"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Close", func() {
	It("is a no-op for a nil logger or one with no open file", func() {
		var l *Logger
		Expect(l.Close()).To(Succeed())

		l2, err := New(Info, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(l2.Close()).To(Succeed())
	})
})

var _ = Describe("Init and Default", func() {
	It("installs the logger as the process-wide default", func() {
		path := filepath.Join(GinkgoT().TempDir(), "uaforge.log")
		l, err := Init(Debug, path)
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()

		Expect(Default()).To(BeIdenticalTo(l))

		Infof("via package-level helper")
		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("via package-level helper"))
	})
})

var _ = Describe("log", func() {
	It("falls back to writing the bare message to stderr when l is nil", func() {
		var l *Logger
		Expect(func() { l.log(Error, "no panic please") }).NotTo(Panic())
	})
})
