package replica

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/l7mp/ivm/pkg/host"
	"github.com/l7mp/ivm/pkg/ivm"
	"github.com/l7mp/ivm/pkg/pipeline"
	"github.com/l7mp/ivm/pkg/view"
)

const schema = `
CREATE TABLE issue (id INTEGER PRIMARY KEY, title TEXT, priority TEXT, open BOOLEAN, labels JSON);
CREATE TABLE membership (team TEXT, user TEXT, PRIMARY KEY (team, user));
CREATE TABLE scratch (note TEXT);
CREATE TABLE _ivm_changelog (
	version INTEGER NOT NULL,
	tbl     TEXT NOT NULL,
	op      TEXT NOT NULL,
	old_row TEXT,
	new_row TEXT
);
INSERT INTO issue VALUES (1, 'crash', 'hi', 1, '["bug"]'), (2, 'typo', 'lo', 0, NULL);
INSERT INTO membership VALUES ('core', 'u1');
`

func exec(path string, stmts ...string) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	Expect(err).NotTo(HaveOccurred())
	defer db.Close()
	for _, s := range stmts {
		_, err := db.Exec(s)
		Expect(err).NotTo(HaveOccurred())
	}
}

func ids(data any) []any {
	ret := []any{}
	for _, e := range data.([]view.Record) {
		ret = append(ret, e["id"])
	}
	return ret
}

var _ = Describe("Replica", func() {
	var (
		path string
		r    *Replica
		ctx  context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		path = filepath.Join(GinkgoT().TempDir(), "replica.db")
		exec(path, schema)
		var err error
		r, err = Open(path, logger)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(r.Close)
	})

	It("should fail on a missing file", func() {
		_, err := Open(filepath.Join(GinkgoT().TempDir(), "missing.db"), logger)
		Expect(err).To(HaveOccurred())
	})

	It("should read the table schemas", func() {
		specs, err := r.Tables(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(specs).To(HaveLen(2))

		Expect(specs[0].Name).To(Equal("issue"))
		Expect(specs[0].PrimaryKey).To(Equal(ivm.PrimaryKey{"id"}))
		Expect(specs[0].Columns).To(Equal(map[string]ivm.ColumnType{
			"id":       ivm.TypeNumber,
			"title":    ivm.TypeString,
			"priority": ivm.TypeString,
			"open":     ivm.TypeBoolean,
			"labels":   ivm.TypeJSON,
		}))

		Expect(specs[1].Name).To(Equal("membership"))
		Expect(specs[1].PrimaryKey).To(Equal(ivm.PrimaryKey{"team", "user"}))
	})

	It("should read the rows with typed values", func() {
		specs, err := r.Tables(ctx)
		Expect(err).NotTo(HaveOccurred())
		rows, err := r.Rows(ctx, specs[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(ConsistOf(
			ivm.Row{"id": int64(1), "title": "crash", "priority": "hi", "open": true, "labels": []any{"bug"}},
			ivm.Row{"id": int64(2), "title": "typo", "priority": "lo", "open": false, "labels": nil},
		))
	})

	It("should report an empty change log", func() {
		v, err := r.Version(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(int64(0)))
		txs, err := r.Changes(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(txs).To(BeEmpty())
	})

	It("should group the change log into transactions", func() {
		exec(path,
			`INSERT INTO _ivm_changelog VALUES (1, 'issue', 'add', NULL, '{"id":3,"priority":"hi"}')`,
			`INSERT INTO _ivm_changelog VALUES (2, 'issue', 'remove', '{"id":1,"priority":"hi"}', NULL)`,
			`INSERT INTO _ivm_changelog VALUES (2, 'issue', 'edit', '{"id":2,"priority":"lo"}', '{"id":2,"priority":"hi"}')`,
		)

		v, err := r.Version(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(int64(2)))

		txs, err := r.Changes(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(txs).To(Equal([]host.Transaction{
			{Version: 1, Changes: []host.RowChange{
				{Table: "issue", Op: host.OpAdd, Row: ivm.Row{"id": int64(3), "priority": "hi"}},
			}},
			{Version: 2, Changes: []host.RowChange{
				{Table: "issue", Op: host.OpRemove, Row: ivm.Row{"id": int64(1), "priority": "hi"}},
				{Table: "issue", Op: host.OpEdit,
					OldRow: ivm.Row{"id": int64(2), "priority": "lo"},
					Row:    ivm.Row{"id": int64(2), "priority": "hi"}},
			}},
		}))

		txs, err = r.Changes(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(txs).To(HaveLen(1))
		Expect(txs[0].Version).To(Equal(int64(2)))
	})

	It("should reject an unknown operation", func() {
		exec(path, `INSERT INTO _ivm_changelog VALUES (1, 'issue', 'upsert', NULL, '{"id":3}')`)
		_, err := r.Changes(ctx, 0)
		Expect(err).To(MatchError(host.ErrInvalidOp))
	})

	It("should reject a malformed row", func() {
		exec(path, `INSERT INTO _ivm_changelog VALUES (1, 'issue', 'add', NULL, '{"id":')`)
		_, err := r.Changes(ctx, 0)
		Expect(err).To(HaveOccurred())
	})

	Context("with a host", func() {
		var h *host.Host

		BeforeEach(func() {
			v, err := r.Version(ctx)
			Expect(err).NotTo(HaveOccurred())
			h = host.New(host.Options{Watermark: v, TracerProvider: noop.NewTracerProvider(), Logger: logger})
			Expect(r.Load(ctx, h)).To(Succeed())
		})

		It("should load the tables", func() {
			Expect(h.Tables()).To(Equal([]string{"issue", "membership"}))
		})

		It("should sync the views to the change log", func() {
			q, err := h.Register(&pipeline.Query{
				Table: "issue",
				Where: &pipeline.Condition{Type: pipeline.ConditionSimple, Column: "priority", Op: ivm.OpEq, Value: "hi"},
			}, 0)
			Expect(err).NotTo(HaveOccurred())

			data, _, err := h.Snapshot(q.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(data)).To(Equal([]any{int64(1)}))

			exec(path,
				`INSERT INTO _ivm_changelog VALUES (1, 'issue', 'add', NULL, '{"id":3,"priority":"hi"}')`,
				`INSERT INTO _ivm_changelog VALUES (2, 'issue', 'edit',
					'{"id":2,"title":"typo","priority":"lo","open":false,"labels":null}',
					'{"id":2,"title":"typo","priority":"hi","open":false,"labels":null}')`,
			)

			n, err := r.Sync(ctx, h)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
			Expect(h.Watermark()).To(Equal(int64(2)))

			data, _, err = h.Snapshot(q.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(data)).To(Equal([]any{int64(1), int64(2), int64(3)}))

			n, err = r.Sync(ctx, h)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(0))
		})

		It("should follow the change log until cancelled", func() {
			ctx, cancel := context.WithCancel(ctx)
			done := make(chan error)
			go func() { done <- r.Follow(ctx, h, 10*time.Millisecond) }()

			exec(path, `INSERT INTO _ivm_changelog VALUES (1, 'membership', 'add', NULL, '{"team":"core","user":"u2"}')`)
			Eventually(h.Watermark).Should(Equal(int64(1)))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
