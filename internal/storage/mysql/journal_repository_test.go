package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"OpenMCP-Gateway/deploy/migrations"
	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/journal"
)

func TestJournalRepositoryAppend(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []step{
		execOp(insertJournalSQL(), mockResult{lastInsertID: 42, rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &JournalRepository{db: db}
	entry := journal.Entry{
		ConfirmationID: "c-1",
		RunID:          "run-1",
		Operation:      "send_eth",
		Args:           map[string]string{"to_address": "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		Decision:       journal.DecisionApproved,
		Result:         "Transaction submitted. Hash: 0xabc",
		CreatedAt:      time.UnixMilli(1000),
		ResolvedAt:     time.UnixMilli(2000),
	}
	if err := repo.Append(context.Background(), entry); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	args := driver.lastArgs()
	if len(args) != 11 || args[3] != `{"to_address":"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"}` || args[10] != int64(2000) {
		t.Fatalf("unexpected insert args %v", args)
	}
}

func TestJournalRepositoryAppendDuplicate(t *testing.T) {
	t.Parallel()

	dup := &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry 'c-1'"}
	db, driver := newMockDB(t, []step{
		{typ: opExec, query: insertJournalSQL(), err: dup},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &JournalRepository{db: db}
	err := repo.Append(context.Background(), journal.Entry{ConfirmationID: "c-1"})
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestJournalRepositoryList(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: strings.Split(strings.ReplaceAll(journalColumns, " ", ""), ","),
		values: [][]driver.Value{
			{int64(2), "c-2", "run", "send_erc20_token", `{"amount":"5"}`, "denied", "alice", "Operation cancelled by user.", "", "", int64(10), int64(20)},
			{int64(1), "c-1", "run", "send_eth", "null", "approved", "", "ok", "0xabc", "", int64(5), int64(6)},
		},
	}
	db, driver := newMockDB(t, []step{
		queryOp(`SELECT `+journalColumns+`
    FROM operation_journal WHERE run_id = ? ORDER BY resolved_at DESC, id DESC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &JournalRepository{db: db}
	list, err := repo.List(context.Background(), journal.Query{RunID: "run", Limit: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != 2 || list[0].Args["amount"] != "5" || list[0].DecidedBy != "alice" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[1].Args != nil || list[1].ResolvedAt.UnixMilli() != 6 {
		t.Fatalf("unexpected second entry: %+v", list[1])
	}
}

func TestJournalRepositoryListDefaultLimit(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []step{
		queryOp(`SELECT `+journalColumns+`
    FROM operation_journal ORDER BY resolved_at DESC, id DESC LIMIT ?`, mockRowsData{columns: []string{"id"}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &JournalRepository{db: db}
	list, err := repo.List(context.Background(), journal.Query{})
	if err != nil || len(list) != 0 {
		t.Fatalf("unexpected result %v %v", list, err)
	}
	if args := driver.lastArgs(); len(args) != 1 || args[0] != int64(journal.DefaultLimit) {
		t.Fatalf("expected default limit, got %v", args)
	}
}

func TestJournalRepositoryListByConfirmation(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []step{
		queryOp(`SELECT `+journalColumns+`
    FROM operation_journal WHERE confirmation_id = ? AND run_id = ? ORDER BY resolved_at DESC, id DESC LIMIT ?`, mockRowsData{columns: []string{"id"}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &JournalRepository{db: db}
	if _, err := repo.List(context.Background(), journal.Query{ConfirmationID: "c-9", RunID: "run", Limit: 1}); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	args := driver.lastArgs()
	if len(args) != 3 || args[0] != "c-9" || args[1] != "run" || args[2] != int64(1) {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []step{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{columns: []string{"version", "checksum"}}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	m := newMigrator(db, migrations.Files)
	m.now = func() time.Time { return time.UnixMilli(1234) }
	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	args := driver.lastArgs()
	if len(args) != 4 || args[0] != int64(1) || args[1] != "0001_create_operation_journal.sql" || args[3] != int64(1234) {
		t.Fatalf("unexpected version record %v", args)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	ops := []step{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{int64(1), embeddedChecksum(t)}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRejectsEditedMigration(t *testing.T) {
	t.Parallel()

	ops := []step{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{int64(1), strings.Repeat("0", 64)}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	ops := []step{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{columns: []string{"version", "checksum"}}),
		beginOp(),
		{typ: opExec, query: readMigrationStatement(), err: fmt.Errorf("syntax error")},
		rollbackOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestReadMigrations(t *testing.T) {
	t.Parallel()

	source := fstest.MapFS{
		"0010_later.sql":  {Data: []byte("-- comment\nALTER TABLE t ADD c INT;\n")},
		"0002_second.sql": {Data: []byte("CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")},
		"0003_empty.sql":  {Data: []byte("-- nothing yet\n")},
		"README.md":       {Data: []byte("ignored")},
	}
	list, err := readMigrations(source)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	if len(list) != 2 || list[0].version != 2 || list[1].version != 10 {
		t.Fatalf("unexpected order %+v", list)
	}
	if len(list[0].statements) != 2 || list[1].statements[0] != "ALTER TABLE t ADD c INT" {
		t.Fatalf("unexpected statements %+v", list)
	}

	if _, err := readMigrations(fstest.MapFS{"init.sql": {Data: []byte("SELECT 1")}}); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error for unversioned file, got %v", err)
	}
	dup := fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1")},
		"1_b.sql":    {Data: []byte("SELECT 2")},
	}
	if _, err := readMigrations(dup); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error for duplicate version, got %v", err)
	}
}

func insertJournalSQL() string {
	return `INSERT INTO operation_journal
    (confirmation_id, run_id, operation, args, decision, decided_by, result, tx_hash, error_code, created_at, resolved_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func embeddedChecksum(t *testing.T) string {
	t.Helper()
	list, err := readMigrations(migrations.Files)
	if err != nil || len(list) == 0 {
		t.Fatalf("read embedded migrations: %v", err)
	}
	return list[0].checksum
}

func readMigrationStatement() string {
	content, err := migrations.Files.ReadFile("0001_create_operation_journal.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

// scriptDriver 是按顺序回放预期语句的 database/sql 驱动，
// 语句比较时忽略空白差异。
type scriptDriver struct {
	mu    sync.Mutex
	steps []step
	pos   int
	args  []driver.Value
}

type stepKind string

const (
	opExec     stepKind = "exec"
	opQuery    stepKind = "query"
	opBegin    stepKind = "begin"
	opCommit   stepKind = "commit"
	opRollback stepKind = "rollback"
)

type step struct {
	typ    stepKind
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, steps []step) (*sql.DB, *scriptDriver) {
	t.Helper()
	drv := &scriptDriver{steps: steps}
	name := fmt.Sprintf("script-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	return db, drv
}

func execOp(query string, result mockResult) step {
	return step{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) step {
	return step{typ: opQuery, query: query, rows: rows}
}

func beginOp() step    { return step{typ: opBegin} }
func commitOp() step   { return step{typ: opCommit} }
func rollbackOp() step { return step{typ: opRollback} }

// advance 取出下一步并校验类型与语句。
func (d *scriptDriver) advance(kind stepKind, query string, args []driver.NamedValue) (step, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if kind == opExec || kind == opQuery {
		d.args = d.args[:0]
		for _, a := range args {
			d.args = append(d.args, a.Value)
		}
	}
	if d.pos >= len(d.steps) {
		return step{}, fmt.Errorf("unexpected %s after script end", kind)
	}
	next := d.steps[d.pos]
	d.pos++
	if next.typ != kind {
		return step{}, fmt.Errorf("step %d: want %s, got %s", d.pos, next.typ, kind)
	}
	if next.query != "" && strings.Join(strings.Fields(next.query), " ") != strings.Join(strings.Fields(query), " ") {
		return step{}, fmt.Errorf("step %d: unexpected query %q", d.pos, query)
	}
	return next, next.err
}

// lastArgs 返回最近一次 Exec/Query 的参数。
func (d *scriptDriver) lastArgs() []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.Value(nil), d.args...)
}

func (d *scriptDriver) assertConsumed(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos != len(d.steps) {
		t.Fatalf("script not consumed: %d/%d", d.pos, len(d.steps))
	}
}

func (d *scriptDriver) Open(string) (driver.Conn, error) { return scriptConn{d}, nil }

type scriptConn struct{ d *scriptDriver }

func (c scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c scriptConn) Close() error { return nil }

func (c scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.d.advance(opBegin, "", nil); err != nil {
		return nil, err
	}
	return scriptTx{c.d}, nil
}

func (c scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	st, err := c.d.advance(opExec, query, args)
	if err != nil {
		return nil, err
	}
	return st.result, nil
}

func (c scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	st, err := c.d.advance(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &mockRows{data: st.rows}, nil
}

type scriptTx struct{ d *scriptDriver }

func (t scriptTx) Commit() error {
	_, err := t.d.advance(opCommit, "", nil)
	return err
}

func (t scriptTx) Rollback() error {
	_, err := t.d.advance(opRollback, "", nil)
	return err
}

type mockRows struct {
	data mockRowsData
	idx  int
}

func (r *mockRows) Columns() []string { return r.data.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.data.values) {
		return io.EOF
	}
	copy(dest, r.data.values[r.idx])
	r.idx++
	return nil
}
