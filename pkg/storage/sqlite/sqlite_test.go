package sqlite_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/pkg/storage"
	"github.com/papercomputeco/chatrelay/pkg/storage/sqlite"
	"github.com/papercomputeco/chatrelay/pkg/storage/storagetest"
)

var _ = Describe("Driver", func() {
	Context("in memory", func() {
		storagetest.DescribeDriver(func() storage.Driver {
			d, err := sqlite.NewDriver(context.Background(), ":memory:")
			Expect(err).NotTo(HaveOccurred())
			return d
		})
	})

	Context("on disk", func() {
		storagetest.DescribeDriver(func() storage.Driver {
			d, err := sqlite.NewDriver(context.Background(), filepath.Join(GinkgoT().TempDir(), "chatrelay.db"))
			Expect(err).NotTo(HaveOccurred())
			return d
		})
	})

	It("creates the database file and reopens it with its data", func() {
		ctx := context.Background()
		dbPath := filepath.Join(GinkgoT().TempDir(), "chatrelay.db")

		d, err := sqlite.NewDriver(ctx, dbPath)
		Expect(err).NotTo(HaveOccurred())
		c, err := d.EnsureConversation(ctx, storage.EnsureRequest{OwnerID: "u1", SeedTitle: "persisted"})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Close()).To(Succeed())

		_, err = os.Stat(dbPath)
		Expect(err).NotTo(HaveOccurred())

		reopened, err := sqlite.NewDriver(ctx, dbPath)
		Expect(err).NotTo(HaveOccurred())
		defer reopened.Close()

		got, err := reopened.GetConversation(ctx, c.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Title).To(Equal("persisted"))
	})
})
