package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/ontoserve/authcore/internal/role"
	"github.com/ontoserve/authcore/internal/user"
)

func TestSession(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Session Module Suite")
}

var _ = ginkgo.Describe("Codec", func() {
	var (
		codec *Codec
		u     *user.User
	)

	ginkgo.BeforeEach(func() {
		codec = NewCodec("test-session-secret-of-sufficient-len", time.Hour)
		u = user.New(uuid.New(), "alice", "Alice", role.NewSet(role.Read), nil)
	})

	ginkgo.It("should round-trip user id and epoch", func() {
		u.Logout()
		token, err := codec.Issue(u)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		id, epoch, err := codec.Parse(token)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(id).To(gomega.Equal(u.ID))
		gomega.Expect(epoch).To(gomega.Equal(1))
	})

	ginkgo.It("should reject a token signed with a different secret", func() {
		other := NewCodec("another-session-secret-of-sufficient-len", time.Hour)
		token, err := other.Issue(u)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		_, _, err = codec.Parse(token)
		gomega.Expect(err).To(gomega.HaveOccurred())
	})

	ginkgo.It("should reject an expired token", func() {
		short := NewCodec("test-session-secret-of-sufficient-len", -time.Minute)
		token, err := short.Issue(u)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		_, _, err = codec.Parse(token)
		gomega.Expect(err).To(gomega.HaveOccurred())
	})

	ginkgo.It("should reject garbage input", func() {
		_, _, err := codec.Parse("not-a-token")
		gomega.Expect(err).To(gomega.HaveOccurred())
	})
})
