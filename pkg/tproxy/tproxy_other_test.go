//go:build !linux

package tproxy

import (
	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
)

var _ = Describe("OriginalDestination on a non-Linux build", func() {
	It("returns ErrUnsupported", func() {
		_, err := OriginalDestination(nil)
		Expect(err).To(MatchError(ErrUnsupported))
	})
})
