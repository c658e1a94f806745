// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/auth/postgres"
)

var _ = Describe("CredentialRepository", func() {
	var (
		ctx  context.Context
		repo *postgres.CredentialRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		repo = postgres.NewCredentialRepository(testExecutor)
	})

	newCredential := func(name string) *auth.Credential {
		cred, err := auth.NewCredential(name, "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$a2V5")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = repo.Delete(context.Background(), cred.ID) })
		return cred
	}

	It("round-trips a credential", func() {
		cred := newCredential("roundtrip")
		Expect(repo.Create(ctx, cred)).To(Succeed())

		byName, err := repo.FindByUsername(ctx, "RoundTrip")
		Expect(err).NotTo(HaveOccurred())
		Expect(byName.ID).To(Equal(cred.ID))
		Expect(byName.PasswordHash).To(Equal(cred.PasswordHash))
		Expect(byName.CreatedAt).To(BeTemporally("~", cred.CreatedAt, time.Millisecond))

		byID, err := repo.FindByID(ctx, cred.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(byID.Username).To(Equal("roundtrip"))
	})

	It("rejects a duplicate username", func() {
		first := newCredential("dupe")
		Expect(repo.Create(ctx, first)).To(Succeed())

		second := newCredential("Dupe")
		err := repo.Create(ctx, second)
		Expect(err).To(MatchError(auth.ErrDuplicateUsername))
	})

	It("admits exactly one of many concurrent registrations", func() {
		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			created   int
			duplicate int
		)
		for range n {
			cred := newCredential("racer")
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				err := repo.Create(ctx, cred)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					created++
				case auth.IsTransient(err):
					// pool exhaustion under contention is not what we measure here
				default:
					Expect(err).To(MatchError(auth.ErrDuplicateUsername))
					duplicate++
				}
			}()
		}
		wg.Wait()
		Expect(created).To(Equal(1))
		Expect(created + duplicate).To(BeNumerically("<=", n))
	})

	It("updates the password hash and timestamp", func() {
		cred := newCredential("rehash")
		Expect(repo.Create(ctx, cred)).To(Succeed())

		Expect(repo.UpdatePasswordHash(ctx, cred.ID, "$argon2id$new")).To(Succeed())

		got, err := repo.FindByID(ctx, cred.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.PasswordHash).To(Equal("$argon2id$new"))
		Expect(got.UpdatedAt).To(BeTemporally(">=", cred.UpdatedAt.Truncate(time.Microsecond)))
	})

	It("reports missing rows as not found", func() {
		missing := ulid.Make()
		_, err := repo.FindByID(ctx, missing)
		Expect(err).To(MatchError(auth.ErrNotFound))
		Expect(repo.UpdatePasswordHash(ctx, missing, "x")).To(MatchError(auth.ErrNotFound))
		Expect(repo.Delete(ctx, missing)).To(MatchError(auth.ErrNotFound))
	})

	It("returns every handle to the pool", func() {
		cred := newCredential("leakcheck")
		Expect(repo.Create(ctx, cred)).To(Succeed())
		for range 20 {
			_, err := repo.FindByUsername(ctx, "leakcheck")
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(testPool.Stat().Acquired).To(BeZero())
	})
})

var _ = Describe("RevocationRepository", func() {
	var (
		ctx  context.Context
		now  time.Time
		repo *postgres.RevocationRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Now().UTC()
		repo = postgres.NewRevocationRepository(testExecutor, func() time.Time { return now })
	})

	It("reports revocations until they expire", func() {
		id := ulid.Make()
		revoked, err := repo.IsRevoked(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(revoked).To(BeFalse())

		Expect(repo.Revoke(ctx, auth.RevocationEntry{TokenID: id, ExpiresAt: now.Add(time.Minute)})).To(Succeed())
		revoked, err = repo.IsRevoked(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(revoked).To(BeTrue())

		now = now.Add(2 * time.Minute)
		revoked, err = repo.IsRevoked(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(revoked).To(BeFalse())
	})

	It("keeps the later expiry when revoked twice", func() {
		id := ulid.Make()
		Expect(repo.Revoke(ctx, auth.RevocationEntry{TokenID: id, ExpiresAt: now.Add(time.Hour)})).To(Succeed())
		Expect(repo.Revoke(ctx, auth.RevocationEntry{TokenID: id, ExpiresAt: now.Add(time.Second)})).To(Succeed())

		now = now.Add(time.Minute)
		revoked, err := repo.IsRevoked(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(revoked).To(BeTrue())
	})

	It("prunes expired entries", func() {
		Expect(repo.Revoke(ctx, auth.RevocationEntry{TokenID: ulid.Make(), ExpiresAt: now.Add(time.Second)})).To(Succeed())
		keep := ulid.Make()
		Expect(repo.Revoke(ctx, auth.RevocationEntry{TokenID: keep, ExpiresAt: now.Add(24 * time.Hour)})).To(Succeed())

		now = now.Add(time.Hour)
		n, err := repo.Prune(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeNumerically(">=", 1))

		revoked, err := repo.IsRevoked(ctx, keep)
		Expect(err).NotTo(HaveOccurred())
		Expect(revoked).To(BeTrue())
	})
})
