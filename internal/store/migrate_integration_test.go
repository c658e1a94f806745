// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/gatekeeper/internal/store"
)

var _ = Describe("Migrator", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		connStr   string
		migrator  *store.Migrator
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("gatekeeper_test"),
			postgres.WithUsername("gatekeeper"),
			postgres.WithPassword("gatekeeper"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		migrator, err = store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if migrator != nil {
			_ = migrator.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	tableExists := func(name string) bool {
		conn, err := pgx.Connect(ctx, connStr)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close(ctx)
		var exists bool
		err = conn.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&exists)
		Expect(err).NotTo(HaveOccurred())
		return exists
	}

	It("starts at version zero with everything pending", func() {
		st, err := migrator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Version).To(BeZero())
		Expect(st.Applied).To(BeEmpty())
		Expect(st.Pending).To(Equal([]uint{1, 2}))
	})

	It("creates the credential and revocation tables", func() {
		Expect(migrator.Up()).To(Succeed())
		Expect(tableExists("credentials")).To(BeTrue())
		Expect(tableExists("revoked_tokens")).To(BeTrue())

		st, err := migrator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Version).To(Equal(uint(2)))
		Expect(st.Dirty).To(BeFalse())
		Expect(st.Pending).To(BeEmpty())
	})

	It("is idempotent", func() {
		Expect(migrator.Up()).To(Succeed())
	})

	It("steps back and forth", func() {
		Expect(migrator.Steps(-1)).To(Succeed())
		Expect(tableExists("revoked_tokens")).To(BeFalse())
		Expect(migrator.Steps(1)).To(Succeed())
		Expect(tableExists("revoked_tokens")).To(BeTrue())
	})

	It("rolls everything back", func() {
		Expect(migrator.Down()).To(Succeed())
		Expect(tableExists("credentials")).To(BeFalse())

		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())
		Expect(dirty).To(BeFalse())
	})
})
