package relay

import (
	"context"
	"errors"
	"io"
	"syscall"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("bodyStream", func() {
	var (
		pw   *io.PipeWriter
		body *bodyStream
	)

	BeforeEach(func() {
		var pr *io.PipeReader
		pr, pw = io.Pipe()
		body = newBodyStream(pr)
	})

	It("is not an io.Closer", func() {
		_, ok := any(body).(io.Closer)
		Expect(ok).To(BeFalse())
	})

	It("reports a body written to the end", func() {
		Expect(body.failed()).To(BeFalse())
		Expect(body.CloseWithError(nil)).To(Succeed())
		Expect(body.failed()).To(BeFalse())
		Expect(body.wait(context.Background())).To(Succeed())
	})

	It("reports a write failure as a gone client", func() {
		Expect(body.CloseWithError(syscall.EPIPE)).To(Succeed())
		Expect(body.failed()).To(BeTrue())
		Expect(body.wait(context.Background())).To(MatchError(ErrClientGone))

		_, err := io.WriteString(pw, "late")
		Expect(err).To(MatchError(syscall.EPIPE))
	})

	It("keeps the first result", func() {
		Expect(body.CloseWithError(syscall.ECONNRESET)).To(Succeed())
		Expect(body.CloseWithError(nil)).To(Succeed())
		Expect(body.wait(context.Background())).To(MatchError(ErrClientGone))
	})

	It("stops waiting when the turn is cancelled", func() {
		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(ErrShutdown)
		Expect(body.wait(ctx)).To(MatchError(ErrShutdown))
	})

	It("fails pending writes once fasthttp is done", func() {
		written := make(chan error, 1)
		go func() {
			_, err := io.WriteString(pw, "pending")
			written <- err
		}()

		Expect(body.CloseWithError(nil)).To(Succeed())
		var err error
		Eventually(written).Should(Receive(&err))
		Expect(errors.Is(err, io.ErrClosedPipe)).To(BeTrue())
	})
})

var _ = Describe("stopRegistry", func() {
	var registry *stopRegistry

	BeforeEach(func() {
		registry = newStopRegistry()
	})

	It("cancels a registered turn with the given cause", func() {
		ctx, cancel := context.WithCancelCause(context.Background())
		Expect(registry.add("r1", cancel)).To(BeTrue())

		Expect(registry.stop("r1", ErrStopped)).To(BeTrue())
		Expect(context.Cause(ctx)).To(MatchError(ErrStopped))
	})

	It("rejects a duplicate id", func() {
		_, first := context.WithCancelCause(context.Background())
		_, second := context.WithCancelCause(context.Background())
		Expect(registry.add("r1", first)).To(BeTrue())
		Expect(registry.add("r1", second)).To(BeFalse())
		Expect(registry.len()).To(Equal(1))
	})

	It("leaves a removed turn alone", func() {
		ctx, cancel := context.WithCancelCause(context.Background())
		registry.add("r1", cancel)
		registry.remove("r1")

		Expect(registry.stop("r1", ErrStopped)).To(BeFalse())
		Expect(ctx.Err()).NotTo(HaveOccurred())
	})

	It("has cancelled the turn by the time stop returns", func() {
		ctx, cancel := context.WithCancelCause(context.Background())
		registry.add("r1", cancel)

		acknowledged := make(chan bool, 1)
		go func() { acknowledged <- registry.stop("r1", ErrStopped) }()

		var ok bool
		Eventually(acknowledged).Should(Receive(&ok))
		registry.remove("r1")
		Expect(ok).To(BeTrue())
		Expect(ctx.Err()).To(MatchError(context.Canceled))
	})

	It("cancels every turn on stopAll", func() {
		ctx1, cancel1 := context.WithCancelCause(context.Background())
		ctx2, cancel2 := context.WithCancelCause(context.Background())
		registry.add("r1", cancel1)
		registry.add("r2", cancel2)

		registry.stopAll(ErrShutdown)
		Expect(context.Cause(ctx1)).To(MatchError(ErrShutdown))
		Expect(context.Cause(ctx2)).To(MatchError(ErrShutdown))
	})
})
