// Package storagetest holds the Ginkgo specs every storage.Driver must pass.
package storagetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/pkg/storage"
)

// DescribeDriver registers the conformance specs. newDriver is called before
// each spec and must return an empty store; the store is closed afterwards.
func DescribeDriver(newDriver func() storage.Driver) {
	var (
		driver storage.Driver
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = newDriver()
		DeferCleanup(func() {
			Expect(driver.Close()).To(Succeed())
		})
	})

	create := func(owner, seed string) *storage.Conversation {
		c, err := driver.EnsureConversation(ctx, storage.EnsureRequest{OwnerID: owner, SeedTitle: seed})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	Describe("EnsureConversation", func() {
		It("creates a conversation titled from the seed", func() {
			c := create("u1", "Hello")
			Expect(c.ID).NotTo(BeEmpty())
			Expect(c.OwnerID).To(Equal("u1"))
			Expect(c.Title).To(Equal("Hello"))

			got, err := driver.GetConversation(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Title).To(Equal("Hello"))
			Expect(got.OwnerID).To(Equal("u1"))
		})

		It("truncates long seeds to the title length", func() {
			c := create("u1", strings.Repeat("é", 80))
			Expect([]rune(c.Title)).To(HaveLen(storage.TitleMaxRunes))
		})

		It("returns an existing id unchanged without writing", func() {
			c, err := driver.EnsureConversation(ctx, storage.EnsureRequest{
				ConversationID: "c-existing",
				OwnerID:        "u1",
				SeedTitle:      "ignored",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(c.ID).To(Equal("c-existing"))
			Expect(c.OwnerID).To(Equal("u1"))

			list, err := driver.ListConversations(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(BeEmpty())
		})

		It("creates a new conversation per call without a creation key", func() {
			a := create("u1", "same")
			b := create("u1", "same")
			Expect(a.ID).NotTo(Equal(b.ID))
		})

		It("resolves concurrent calls with the same creation key to one conversation", func() {
			const n = 8
			ids := make([]string, n)
			var wg sync.WaitGroup
			for i := range n {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					c, err := driver.EnsureConversation(ctx, storage.EnsureRequest{
						OwnerID:     "u1",
						SeedTitle:   "Hello",
						CreationKey: "key-1",
					})
					Expect(err).NotTo(HaveOccurred())
					ids[i] = c.ID
				}()
			}
			wg.Wait()

			for _, id := range ids {
				Expect(id).To(Equal(ids[0]))
			}
			list, err := driver.ListConversations(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
		})

		It("scopes creation keys to the owner", func() {
			a, err := driver.EnsureConversation(ctx, storage.EnsureRequest{OwnerID: "u1", CreationKey: "k"})
			Expect(err).NotTo(HaveOccurred())
			b, err := driver.EnsureConversation(ctx, storage.EnsureRequest{OwnerID: "u2", CreationKey: "k"})
			Expect(err).NotTo(HaveOccurred())
			Expect(a.ID).NotTo(Equal(b.ID))
		})
	})

	Describe("RecordTurn", func() {
		It("stores the user then the assistant message", func() {
			c := create("u1", "Hello")
			Expect(driver.RecordTurn(ctx, &storage.Turn{
				ConversationID:   c.ID,
				OwnerID:          "u1",
				UserContent:      "Hello",
				AssistantContent: "Hello!",
			})).To(Succeed())

			msgs, err := driver.Messages(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Role).To(Equal("user"))
			Expect(msgs[0].Content).To(Equal("Hello"))
			Expect(msgs[1].Role).To(Equal("assistant"))
			Expect(msgs[1].Content).To(Equal("Hello!"))
			Expect(msgs[0].ID).To(BeNumerically("<", msgs[1].ID))
			Expect(msgs[1].OwnerID).To(Equal("u1"))
			Expect(msgs[1].ConversationID).To(Equal(c.ID))
		})

		It("keeps turns in insertion order", func() {
			c := create("u1", "q1")
			for i := range 3 {
				Expect(driver.RecordTurn(ctx, &storage.Turn{
					ConversationID:   c.ID,
					OwnerID:          "u1",
					UserContent:      fmt.Sprintf("q%d", i),
					AssistantContent: fmt.Sprintf("a%d", i),
				})).To(Succeed())
			}

			msgs, err := driver.Messages(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			contents := make([]string, 0, len(msgs))
			for _, m := range msgs {
				contents = append(contents, m.Content)
			}
			Expect(contents).To(Equal([]string{"q0", "a0", "q1", "a1", "q2", "a2"}))
		})

		It("writes nothing for an unknown conversation", func() {
			err := driver.RecordTurn(ctx, &storage.Turn{
				ConversationID:   "missing",
				OwnerID:          "u1",
				UserContent:      "Hello",
				AssistantContent: "Hi",
			})
			Expect(err).To(HaveOccurred())

			_, err = driver.Messages(ctx, "missing")
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})

		It("rejects a turn without a conversation", func() {
			Expect(driver.RecordTurn(ctx, &storage.Turn{UserContent: "x"})).To(MatchError(storage.ErrInvalidTurn))
			Expect(driver.RecordTurn(ctx, nil)).To(MatchError(storage.ErrInvalidTurn))
		})
	})

	Describe("reads", func() {
		It("returns NotFoundError for an unknown conversation", func() {
			_, err := driver.GetConversation(ctx, "nope")
			Expect(err).To(MatchError(storage.NotFoundError{ID: "nope"}))
		})

		It("lists an owner's conversations newest first", func() {
			first := create("u1", "first")
			time.Sleep(5 * time.Millisecond)
			create("u2", "other owner")
			time.Sleep(5 * time.Millisecond)
			second := create("u1", "second")

			list, err := driver.ListConversations(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(2))
			Expect(list[0].ID).To(Equal(second.ID))
			Expect(list[1].ID).To(Equal(first.ID))
		})

		It("returns an empty list for an owner with no conversations", func() {
			list, err := driver.ListConversations(ctx, "nobody")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(BeEmpty())
		})

		It("returns no messages for a conversation without turns", func() {
			c := create("u1", "quiet")
			msgs, err := driver.Messages(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(BeEmpty())
		})
	})
}
