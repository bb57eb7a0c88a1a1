package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"golang.org/x/crypto/bcrypt"

	"github.com/ontoserve/authcore/internal"
	"github.com/ontoserve/authcore/internal/role"
	"github.com/ontoserve/authcore/internal/user"
)

func TestStore(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Store Module Suite")
}

// mockReplicator records pull and push invocations.
type mockReplicator struct {
	mu        sync.Mutex
	pulls     int
	pushes    int
	pullError error
	pushError error
}

func (m *mockReplicator) Pull(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls++
	return m.pullError
}

func (m *mockReplicator) Push(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes++
	return m.pushError
}

func (m *mockReplicator) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulls, m.pushes
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(dir string) *internal.Config {
	return &internal.Config{
		Storage: internal.StorageConfig{Dir: dir},
		Security: internal.SecurityConfig{
			SessionSecret: "test-session-secret-of-sufficient-len",
			BCryptCost:    bcrypt.MinCost,
		},
	}
}

func newUser(userName, email string, roles ...role.Role) *user.User {
	u := user.New(uuid.New(), userName, userName, role.NewSet(roles...), nil)
	u.Email = email
	return u
}

var _ = ginkgo.Describe("Store", func() {
	var (
		dir string
		s   *Store
	)

	ginkgo.BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "authcore-store-*")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		s, err = New(testConfig(dir), nil, testLogger())
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
	})

	ginkgo.AfterEach(func() {
		s.Close()
		os.RemoveAll(dir)
	})

	ginkgo.Describe("bootstrap", func() {
		ginkgo.It("should seed a disabled automated user when no token material is configured", func() {
			automated, ok := s.Get(AutomatedUserID)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(automated.Enabled).To(gomega.BeFalse())
			gomega.Expect(automated.UserName).To(gomega.Equal("automated"))
			gomega.Expect(automated.GlobalRoles().Has(role.Automated)).To(gomega.BeTrue())
		})

		ginkgo.It("should enable the automated user when token material is configured", func() {
			other, err := os.MkdirTemp("", "authcore-store-*")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			defer os.RemoveAll(other)

			cfg := testConfig(other)
			cfg.Security.AutomatedServiceToken = "automated-token-material"
			st, err := New(cfg, nil, testLogger())
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			defer st.Close()

			automated, ok := st.Get(AutomatedUserID)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(automated.Enabled).To(gomega.BeTrue())
			gomega.Expect(automated.CheckServiceToken("automated-token-material")).To(gomega.BeTrue())

			resolved, ok := st.GetByServiceToken("automated-token-material")
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(resolved.ID).To(gomega.Equal(AutomatedUserID))
		})

		ginkgo.It("should fail for a storage location that is not a directory", func() {
			cfg := testConfig(filepath.Join(dir, "missing"))
			_, err := New(cfg, nil, testLogger())
			gomega.Expect(err).To(gomega.HaveOccurred())
		})
	})

	ginkgo.Describe("automated user protection", func() {
		ginkgo.It("should reject updates after bootstrap", func() {
			automated, _ := s.Get(AutomatedUserID)
			automated.DisplayName = "renamed"
			err := s.AddOrUpdate(automated)
			gomega.Expect(err).To(gomega.HaveOccurred())
			appErr, ok := internal.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(internal.ErrCodeImmutableUser))
		})

		ginkgo.It("should refuse removal", func() {
			gomega.Expect(s.Remove(AutomatedUserID)).To(gomega.BeFalse())
			_, ok := s.Get(AutomatedUserID)
			gomega.Expect(ok).To(gomega.BeTrue())
		})
	})

	ginkgo.Describe("AddOrUpdate", func() {
		ginkgo.It("should store the role closure, not the raw set", func() {
			u := newUser("alice", "a@x.com", role.Editor)
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())

			stored, ok := s.Get(u.ID)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(stored.GlobalRoles().Has(role.Editor)).To(gomega.BeTrue())
			gomega.Expect(stored.GlobalRoles().Has(role.Read)).To(gomega.BeTrue())
		})

		ginkgo.It("should reject a username owned by a different id, case-insensitively", func() {
			first := newUser("alice", "a@x.com")
			gomega.Expect(s.AddOrUpdate(first)).To(gomega.Succeed())

			second := newUser("ALICE", "b@x.com")
			err := s.AddOrUpdate(second)
			gomega.Expect(err).To(gomega.HaveOccurred())
			appErr, ok := internal.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(internal.ErrCodeUserNameTaken))

			// automated user plus alice, nothing else
			gomega.Expect(s.IDs()).To(gomega.HaveLen(2))
			_, ok = s.Get(second.ID)
			gomega.Expect(ok).To(gomega.BeFalse())
		})

		ginkgo.It("should reject an email owned by a different id, case-insensitively", func() {
			first := newUser("alice", "a@x.com")
			gomega.Expect(s.AddOrUpdate(first)).To(gomega.Succeed())

			second := newUser("bob", "A@X.COM")
			err := s.AddOrUpdate(second)
			gomega.Expect(err).To(gomega.HaveOccurred())
			appErr, _ := internal.IsAppError(err)
			gomega.Expect(appErr.Code).To(gomega.Equal(internal.ErrCodeEmailTaken))
		})

		ginkgo.It("should allow the same id to keep its own username and email", func() {
			u := newUser("alice", "a@x.com")
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())
			u.DisplayName = "Alice A."
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())
		})

		ginkgo.It("should retract stale index entries when a record changes username and email", func() {
			u := newUser("alice", "a@x.com")
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())

			u.UserName = "alicia"
			u.Email = "alicia@x.com"
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())

			_, ok := s.Find("alice")
			gomega.Expect(ok).To(gomega.BeFalse())
			_, ok = s.Find("a@x.com")
			gomega.Expect(ok).To(gomega.BeFalse())

			found, ok := s.Find("ALICIA")
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(found.ID).To(gomega.Equal(u.ID))

			// freed values are reusable by another record
			other := newUser("alice", "a@x.com")
			gomega.Expect(s.AddOrUpdate(other)).To(gomega.Succeed())
		})

		ginkgo.It("should maintain the service-token membership set", func() {
			u := newUser("svc", "")
			token, err := u.AssignServiceToken()
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())

			found, ok := s.GetByServiceToken(token)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(found.ID).To(gomega.Equal(u.ID))

			u.RemoveServiceToken()
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())
			_, ok = s.GetByServiceToken(token)
			gomega.Expect(ok).To(gomega.BeFalse())
		})

		ginkgo.It("should hand out clones, not the stored record", func() {
			u := newUser("alice", "a@x.com")
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())

			got, _ := s.Get(u.ID)
			got.UserName = "mallory"
			got.Roles[user.GlobalScope].Add(role.SystemManager)

			again, _ := s.Get(u.ID)
			gomega.Expect(again.UserName).To(gomega.Equal("alice"))
			gomega.Expect(again.GlobalRoles().Has(role.SystemManager)).To(gomega.BeFalse())
		})
	})

	ginkgo.Describe("Remove", func() {
		ginkgo.It("should retract the record from every index", func() {
			u := newUser("alice", "a@x.com")
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())

			gomega.Expect(s.Remove(u.ID)).To(gomega.BeTrue())
			_, ok := s.Get(u.ID)
			gomega.Expect(ok).To(gomega.BeFalse())
			_, ok = s.Find("alice", "a@x.com")
			gomega.Expect(ok).To(gomega.BeFalse())
		})

		ginkgo.It("should be a no-op for an unknown id", func() {
			gomega.Expect(s.Remove(uuid.New())).To(gomega.BeFalse())
		})
	})

	ginkgo.Describe("Find", func() {
		ginkgo.It("should try candidates in order and prefer the email index", func() {
			byEmail := newUser("alice", "shared@x.com")
			gomega.Expect(s.AddOrUpdate(byEmail)).To(gomega.Succeed())
			byName := newUser("shared@x.com2", "")
			gomega.Expect(s.AddOrUpdate(byName)).To(gomega.Succeed())

			found, ok := s.Find("", "shared@x.com")
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(found.ID).To(gomega.Equal(byEmail.ID))
		})

		ginkgo.It("should skip blank candidates", func() {
			_, ok := s.Find("", "  ")
			gomega.Expect(ok).To(gomega.BeFalse())
		})
	})

	ginkgo.Describe("failure accounting", func() {
		var u *user.User

		ginkgo.BeforeEach(func() {
			u = newUser("alice", "a@x.com")
			gomega.Expect(u.SetPassword("correct_password", bcrypt.MinCost)).To(gomega.Succeed())
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())
		})

		ginkgo.It("should disable the account after five consecutive failures", func() {
			for i := 0; i < LockoutThreshold; i++ {
				s.RecordAuthFailure(u.ID)
			}
			locked, _ := s.Get(u.ID)
			gomega.Expect(locked.Enabled).To(gomega.BeFalse())
			gomega.Expect(locked.CheckPassword("correct_password")).To(gomega.Equal(user.PasswordDisabled))
		})

		ginkgo.It("should not disable below the threshold", func() {
			for i := 0; i < LockoutThreshold-1; i++ {
				s.RecordAuthFailure(u.ID)
			}
			got, _ := s.Get(u.ID)
			gomega.Expect(got.Enabled).To(gomega.BeTrue())
		})

		ginkgo.It("should clear the counter on success", func() {
			for i := 0; i < LockoutThreshold-1; i++ {
				s.RecordAuthFailure(u.ID)
			}
			s.RecordAuthSuccess(u.ID)
			s.RecordAuthFailure(u.ID)

			got, _ := s.Get(u.ID)
			gomega.Expect(got.Enabled).To(gomega.BeTrue())
		})
	})

	ginkgo.Describe("persistence", func() {
		ginkgo.It("should reproduce the store from the snapshot", func() {
			alice := newUser("alice", "a@x.com", role.Editor)
			gomega.Expect(alice.SetPassword("pw", bcrypt.MinCost)).To(gomega.Succeed())
			bob := newUser("bob", "b@x.com", role.SystemManager)
			bob.Enabled = false
			gomega.Expect(s.AddOrUpdate(alice)).To(gomega.Succeed())
			gomega.Expect(s.AddOrUpdate(bob)).To(gomega.Succeed())

			reopened, err := New(testConfig(dir), nil, testLogger())
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			defer reopened.Close()

			gomega.Expect(reopened.IDs()).To(gomega.Equal(s.IDs()))

			aliceBack, ok := reopened.Find("alice")
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(aliceBack.ID).To(gomega.Equal(alice.ID))
			gomega.Expect(aliceBack.Email).To(gomega.Equal("a@x.com"))
			gomega.Expect(aliceBack.GlobalRoles().Has(role.Read)).To(gomega.BeTrue())
			gomega.Expect(aliceBack.CheckPassword("pw")).To(gomega.Equal(user.PasswordMatch))

			bobBack, ok := reopened.Find("b@x.com")
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(bobBack.Enabled).To(gomega.BeFalse())
		})

		ginkgo.It("should re-derive the automated account enablement from configuration, not the snapshot", func() {
			cfg := testConfig(dir)
			cfg.Security.AutomatedServiceToken = "automated-token-material"
			reopened, err := New(cfg, nil, testLogger())
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			defer reopened.Close()

			automated, _ := reopened.Get(AutomatedUserID)
			gomega.Expect(automated.Enabled).To(gomega.BeTrue())
		})

		ginkgo.It("should keep a backup of the previous snapshot", func() {
			gomega.Expect(s.AddOrUpdate(newUser("alice", ""))).To(gomega.Succeed())
			gomega.Expect(s.AddOrUpdate(newUser("bob", ""))).To(gomega.Succeed())

			_, err := os.Stat(filepath.Join(dir, "users.json"))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			_, err = os.Stat(filepath.Join(dir, "users.json.bak"))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
		})
	})

	ginkgo.Describe("change listener", func() {
		ginkgo.It("should be notified after add, update and remove without blocking", func() {
			changes := make(chan uuid.UUID, 8)
			s.OnChange(func(id uuid.UUID) { changes <- id })

			u := newUser("alice", "")
			gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())
			gomega.Eventually(changes).Should(gomega.Receive(gomega.Equal(u.ID)))

			gomega.Expect(s.Remove(u.ID)).To(gomega.BeTrue())
			gomega.Eventually(changes).Should(gomega.Receive(gomega.Equal(u.ID)))
		})
	})

	ginkgo.Describe("concurrent access", func() {
		ginkgo.It("should survive concurrent writers and readers", func() {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					u := newUser(uuid.NewString(), "")
					if err := s.AddOrUpdate(u); err != nil {
						return
					}
					s.Get(u.ID)
					s.Find(u.UserName)
					s.RecordAuthFailure(u.ID)
					s.RecordAuthSuccess(u.ID)
				}(i)
			}
			wg.Wait()
			// 8 writers + automated
			gomega.Expect(s.IDs()).To(gomega.HaveLen(9))
		})
	})
})

var _ = ginkgo.Describe("Store replication", func() {
	var dir string

	ginkgo.BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "authcore-repl-*")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
	})

	ginkgo.AfterEach(func() {
		os.RemoveAll(dir)
	})

	ginkgo.It("should pull before load and push after saves", func() {
		repl := &mockReplicator{}
		s, err := New(testConfig(dir), repl, testLogger())
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		pulls, _ := repl.counts()
		gomega.Expect(pulls).To(gomega.Equal(1))

		gomega.Expect(s.AddOrUpdate(newUser("alice", ""))).To(gomega.Succeed())
		gomega.Eventually(func() int {
			_, pushes := repl.counts()
			return pushes
		}, time.Second).Should(gomega.BeNumerically(">", 0))
		s.Close()
	})

	ginkgo.It("should stay available when replication fails", func() {
		repl := &mockReplicator{
			pullError: context.DeadlineExceeded,
			pushError: context.DeadlineExceeded,
		}
		s, err := New(testConfig(dir), repl, testLogger())
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		defer s.Close()

		u := newUser("alice", "")
		gomega.Expect(s.AddOrUpdate(u)).To(gomega.Succeed())
		_, ok := s.Get(u.ID)
		gomega.Expect(ok).To(gomega.BeTrue())
	})
})

var _ = ginkgo.Describe("Store import", func() {
	var dir string

	ginkgo.BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "authcore-import-*")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
	})

	ginkgo.AfterEach(func() {
		os.RemoveAll(dir)
	})

	writeImport := func(content string) string {
		path := filepath.Join(dir, "users.tsv")
		gomega.Expect(os.WriteFile(path, []byte(content), 0o600)).To(gomega.Succeed())
		return path
	}

	newStoreWithImport := func(path string) *Store {
		cfg := testConfig(dir)
		cfg.Import = internal.ImportConfig{Enabled: true, Path: path}
		s, err := New(cfg, nil, testLogger())
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		return s
	}

	ginkgo.It("should import rows with roles, password and email", func() {
		id := uuid.New()
		path := writeImport(
			"#userName\tdisplayName\tid\troles\tpassword\temail\n" +
				"alice\tAlice\t" + id.String() + "\teditor,reviewer\tsecret\ta@x.com\n")
		s := newStoreWithImport(path)
		defer s.Close()

		u, ok := s.Get(id)
		gomega.Expect(ok).To(gomega.BeTrue())
		gomega.Expect(u.DisplayName).To(gomega.Equal("Alice"))
		gomega.Expect(u.Email).To(gomega.Equal("a@x.com"))
		gomega.Expect(u.GlobalRoles().Has(role.Editor)).To(gomega.BeTrue())
		gomega.Expect(u.GlobalRoles().Has(role.Reviewer)).To(gomega.BeTrue())
		gomega.Expect(u.GlobalRoles().Has(role.Read)).To(gomega.BeTrue())
		gomega.Expect(u.CheckPassword("secret")).To(gomega.Equal(user.PasswordMatch))
	})

	ginkgo.It("should accept a pre-hashed password", func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		path := writeImport("bob\t\t\t\t" + string(hash) + "\t\n")
		s := newStoreWithImport(path)
		defer s.Close()

		u, ok := s.Find("bob")
		gomega.Expect(ok).To(gomega.BeTrue())
		gomega.Expect(u.CheckPassword("hashed-secret")).To(gomega.Equal(user.PasswordMatch))
	})

	ginkgo.It("should default the display name to the username", func() {
		path := writeImport("carol\n")
		s := newStoreWithImport(path)
		defer s.Close()

		u, ok := s.Find("carol")
		gomega.Expect(ok).To(gomega.BeTrue())
		gomega.Expect(u.DisplayName).To(gomega.Equal("carol"))
	})

	ginkgo.It("should skip comment rows and blank usernames, and skip only unknown roles", func() {
		path := writeImport(
			"# a comment line\n" +
				"\tskipped\t\t\t\t\n" +
				"dave\tDave\t\teditor,bogus\t\t\n")
		s := newStoreWithImport(path)
		defer s.Close()

		// automated + dave only
		gomega.Expect(s.IDs()).To(gomega.HaveLen(2))
		u, ok := s.Find("dave")
		gomega.Expect(ok).To(gomega.BeTrue())
		gomega.Expect(u.GlobalRoles().Has(role.Editor)).To(gomega.BeTrue())
	})

	ginkgo.It("should not overwrite an existing user", func() {
		first, err := New(testConfig(dir), nil, testLogger())
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		existing := user.New(uuid.New(), "alice", "The Real Alice", role.NewSet(role.Read), nil)
		gomega.Expect(first.AddOrUpdate(existing)).To(gomega.Succeed())
		first.Close()

		path := writeImport("alice\tImpostor\t\t\t\t\n")
		s := newStoreWithImport(path)
		defer s.Close()

		u, ok := s.Find("alice")
		gomega.Expect(ok).To(gomega.BeTrue())
		gomega.Expect(u.DisplayName).To(gomega.Equal("The Real Alice"))
	})
})
