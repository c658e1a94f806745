// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/pool"
)

var userSeq atomic.Int64

// uniqueName keeps specs independent in the shared database.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%1_000_000, userSeq.Add(1))
}

var _ = Describe("Authentication flow", func() {
	var (
		ctx context.Context
		s   *stack
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newStack(pool.Config{MaxSize: 4, AcquireTimeout: 5 * time.Second}, 5)
	})

	It("registers, logs in, refreshes and logs out", func() {
		name := uniqueName("alice")
		cred, err := s.service.Register(ctx, name, "correct horse")
		Expect(err).NotTo(HaveOccurred())

		tok, err := s.service.Login(ctx, name, "correct horse")
		Expect(err).NotTo(HaveOccurred())

		id, err := s.service.Authenticate(ctx, "Bearer "+tok.Encoded)
		Expect(err).NotTo(HaveOccurred())
		Expect(id.UserID).To(Equal(cred.ID))

		refreshed, err := s.service.Refresh(ctx, tok.Encoded)
		Expect(err).NotTo(HaveOccurred())
		Expect(refreshed.TokenID).NotTo(Equal(tok.TokenID))

		_, err = s.service.Authenticate(ctx, tok.Encoded)
		Expect(errors.Is(err, auth.ErrUnauthorized)).To(BeTrue(), "refreshed token must be revoked")

		Expect(s.service.Logout(ctx, refreshed.Encoded)).To(Succeed())
		_, err = s.service.Authenticate(ctx, refreshed.Encoded)
		Expect(errors.Is(err, auth.ErrUnauthorized)).To(BeTrue())

		Expect(s.service.Logout(ctx, refreshed.Encoded)).To(Succeed(), "logout is idempotent")
	})

	It("treats unknown users and wrong passwords alike", func() {
		name := uniqueName("bob")
		_, err := s.service.Register(ctx, name, "hunter2")
		Expect(err).NotTo(HaveOccurred())

		_, wrong := s.service.Login(ctx, name, "hunter3")
		_, unknown := s.service.Login(ctx, uniqueName("ghost"), "hunter2")
		Expect(errors.Is(wrong, auth.ErrInvalidCredentials)).To(BeTrue())
		Expect(errors.Is(unknown, auth.ErrInvalidCredentials)).To(BeTrue())
		Expect(wrong.Error()).To(Equal(unknown.Error()))
	})

	It("rejects a duplicate username regardless of case", func() {
		name := uniqueName("carol")
		_, err := s.service.Register(ctx, name, "pw-one")
		Expect(err).NotTo(HaveOccurred())

		_, err = s.service.Register(ctx, "  "+name+"  ", "pw-two")
		Expect(errors.Is(err, auth.ErrDuplicateUsername)).To(BeTrue())
	})

	It("changes and resets passwords", func() {
		name := uniqueName("dave")
		cred, err := s.service.Register(ctx, name, "first")
		Expect(err).NotTo(HaveOccurred())

		Expect(s.service.ChangePassword(ctx, cred.ID, "first", "second")).To(Succeed())
		_, err = s.service.Login(ctx, name, "first")
		Expect(errors.Is(err, auth.ErrInvalidCredentials)).To(BeTrue())
		_, err = s.service.Login(ctx, name, "second")
		Expect(err).NotTo(HaveOccurred())

		Expect(s.service.SetPassword(ctx, name, "third")).To(Succeed())
		_, err = s.service.Login(ctx, name, "third")
		Expect(err).NotTo(HaveOccurred())
	})

	It("deletes accounts", func() {
		name := uniqueName("erin")
		_, err := s.service.Register(ctx, name, "pw")
		Expect(err).NotTo(HaveOccurred())
		tok, err := s.service.Login(ctx, name, "pw")
		Expect(err).NotTo(HaveOccurred())

		Expect(s.service.DeleteAccount(ctx, name)).To(Succeed())

		_, err = s.service.Login(ctx, name, "pw")
		Expect(errors.Is(err, auth.ErrInvalidCredentials)).To(BeTrue())
		_, err = s.service.Refresh(ctx, tok.Encoded)
		Expect(errors.Is(err, auth.ErrUnauthorized)).To(BeTrue(), "deleted accounts cannot refresh")
	})

	It("limits repeated failures per username", func() {
		name := uniqueName("frank")
		_, err := s.service.Register(ctx, name, "pw")
		Expect(err).NotTo(HaveOccurred())

		for range 5 {
			_, err = s.service.Login(ctx, name, "nope")
			Expect(errors.Is(err, auth.ErrInvalidCredentials)).To(BeTrue())
		}
		_, err = s.service.Login(ctx, name, "pw")
		Expect(errors.Is(err, auth.ErrTooManyAttempts)).To(BeTrue())
	})
})

var _ = Describe("Shared revocations", func() {
	It("honors revocations made by another process", func() {
		ctx := context.Background()
		first := newStack(pool.Config{MaxSize: 2, AcquireTimeout: 5 * time.Second}, 5)
		second := newStack(pool.Config{MaxSize: 2, AcquireTimeout: 5 * time.Second}, 5)

		name := uniqueName("grace")
		_, err := first.service.Register(ctx, name, "pw")
		Expect(err).NotTo(HaveOccurred())
		tok, err := first.service.Login(ctx, name, "pw")
		Expect(err).NotTo(HaveOccurred())

		_, err = second.service.Authenticate(ctx, tok.Encoded)
		Expect(err).NotTo(HaveOccurred())

		Expect(first.service.Logout(ctx, tok.Encoded)).To(Succeed())

		_, err = second.service.Authenticate(ctx, tok.Encoded)
		Expect(errors.Is(err, auth.ErrUnauthorized)).To(BeTrue())
	})
})

var _ = Describe("Pool exhaustion", func() {
	It("surfaces as service unavailable once retries run out", func() {
		ctx := context.Background()
		s := newStack(pool.Config{MaxSize: 1, AcquireTimeout: 100 * time.Millisecond}, 5)

		h, err := s.pool.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())

		_, err = s.service.Login(ctx, uniqueName("henry"), "pw")
		Expect(errors.Is(err, auth.ErrServiceUnavailable)).To(BeTrue())
		Expect(errors.Is(err, pool.ErrPoolExhausted)).To(BeFalse(), "store causes stay hidden")

		Expect(h.Release()).To(Succeed())

		_, err = s.service.Login(ctx, uniqueName("henry"), "pw")
		Expect(errors.Is(err, auth.ErrInvalidCredentials)).To(BeTrue(), "service recovers once a connection is free")
	})
})
