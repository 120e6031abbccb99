/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package sqllog implements the "filter.sqllog" module that writes the
// outcome of every mail transaction to an SQL table:
//
//	filter.sqllog audit {
//	    driver postgres
//	    dsn "host=localhost dbname=mail sslmode=disable"
//	    table transactions
//	}
//
// Supported drivers are postgres, mysql, sqlite (pure Go) and sqlite3
// (cgo, available unless built with the nosqlite3 tag).
package sqllog

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const modName = "filter.sqllog"

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var columns = []string{
	"session_id", "remote_ip", "identity", "auth_user", "sender", "recipients",
	"module", "code", "message", "size", "quarantine", "logged_at",
}

type Logger struct {
	instName string
	log      log.Logger

	driver      string
	table       string
	createTable bool
	timeout     time.Duration

	db *sql.DB

	stmtLock sync.Mutex
	insert   *sql.Stmt
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: inline arguments are not used", modName)
	}
	return &Logger{
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

func (l *Logger) Name() string {
	return modName
}

func (l *Logger) InstanceName() string {
	return l.instName
}

func (l *Logger) Init(cfg *config.Map) error {
	var (
		dsnParts    []string
		initQueries []string
	)
	cfg.Bool("debug", true, false, &l.log.Debug)
	cfg.Enum("driver", false, true, Drivers(), "", &l.driver)
	cfg.StringList("dsn", false, true, nil, &dsnParts)
	cfg.StringList("init", false, false, nil, &initQueries)
	cfg.String("table", false, false, "mailfilter_log", &l.table)
	cfg.Bool("create_table", false, true, &l.createTable)
	cfg.Duration("timeout", false, false, 5*time.Second, &l.timeout)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if !tableNameRe.MatchString(l.table) {
		return config.NodeErr(cfg.Block, "invalid table name: %s", l.table)
	}

	db, err := sql.Open(l.driver, strings.Join(dsnParts, " "))
	if err != nil {
		return config.NodeErr(cfg.Block, "failed to open db: %v", err)
	}
	l.db = db

	for _, init := range initQueries {
		if _, err := db.Exec(init); err != nil {
			return config.NodeErr(cfg.Block, "init query failed: %v", err)
		}
	}
	if l.createTable {
		if _, err := db.Exec(l.createQuery()); err != nil {
			return config.NodeErr(cfg.Block, "failed to create table: %v", err)
		}
	}
	return nil
}

func (l *Logger) createQuery() string {
	serial := "id INTEGER PRIMARY KEY"
	timeType := "TIMESTAMP"
	switch l.driver {
	case "postgres":
		serial = "id BIGSERIAL PRIMARY KEY"
	case "mysql":
		serial = "id BIGINT AUTO_INCREMENT PRIMARY KEY"
		timeType = "DATETIME(6)"
	}
	return "CREATE TABLE IF NOT EXISTS " + l.table + ` (
	` + serial + `,
	session_id TEXT NOT NULL,
	remote_ip TEXT NOT NULL,
	identity TEXT NOT NULL,
	auth_user TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipients TEXT NOT NULL,
	module TEXT NOT NULL,
	code INTEGER NOT NULL,
	message TEXT NOT NULL,
	size BIGINT NOT NULL,
	quarantine INTEGER NOT NULL,
	logged_at ` + timeType + ` NOT NULL
)`
}

func (l *Logger) insertQuery() string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		if l.driver == "postgres" {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return "INSERT INTO " + l.table + " (" + strings.Join(columns, ", ") +
		") VALUES (" + strings.Join(placeholders, ", ") + ")"
}

// stmt prepares the insert statement on first use so that the database
// does not have to be reachable at startup.
func (l *Logger) stmt(ctx context.Context) (*sql.Stmt, error) {
	l.stmtLock.Lock()
	defer l.stmtLock.Unlock()
	if l.insert != nil {
		return l.insert, nil
	}
	stmt, err := l.db.PrepareContext(ctx, l.insertQuery())
	if err != nil {
		return nil, err
	}
	l.insert = stmt
	return stmt, nil
}

func (l *Logger) RegisterHandlers(reg *smtpd.Registry) error {
	reg.OnReset(l.logTransaction)
	return nil
}

func remoteIP(addr net.Addr) string {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP.String()
	case nil:
		return ""
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Record is a row of the log table.
type Record struct {
	SessionID  string
	RemoteIP   string
	Identity   string
	AuthUser   string
	Sender     string
	Recipients []string
	Module     string
	Code       int
	Message    string
	Size       int64
	Quarantine bool
	Time       time.Time
}

func recordFor(c *smtpd.Context) Record {
	rec := Record{
		SessionID:  c.ID,
		RemoteIP:   remoteIP(c.RemoteAddr),
		Identity:   c.Identity,
		AuthUser:   c.AuthUser,
		Sender:     c.ReversePath.Address(),
		Module:     c.Transaction.Module,
		Code:       c.Transaction.Code,
		Message:    c.Transaction.Message,
		Size:       c.BodySize,
		Quarantine: c.Quarantine,
		Time:       time.Now().UTC(),
	}
	for _, p := range c.ForwardPaths {
		rec.Recipients = append(rec.Recipients, p.Address())
	}
	return rec
}

func (l *Logger) logTransaction(c *smtpd.Context) {
	if c.Transaction.Code == 0 {
		return
	}
	if err := l.Write(recordFor(c)); err != nil {
		l.log.Error("failed to log transaction", err, "session", c.ID)
	}
}

// Write inserts rec into the table.
func (l *Logger) Write(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	stmt, err := l.stmt(ctx)
	if err != nil {
		return fmt.Errorf("%s: prepare: %w", modName, err)
	}

	quarantine := 0
	if rec.Quarantine {
		quarantine = 1
	}
	_, err = stmt.ExecContext(ctx,
		rec.SessionID, rec.RemoteIP, rec.Identity, rec.AuthUser, rec.Sender,
		strings.Join(rec.Recipients, ","), rec.Module, rec.Code, rec.Message,
		rec.Size, quarantine, rec.Time)
	if err != nil {
		return fmt.Errorf("%s: insert: %w", modName, err)
	}
	l.log.DebugMsg("transaction logged", "session", rec.SessionID, "code", rec.Code)
	return nil
}

func (l *Logger) Close() error {
	l.stmtLock.Lock()
	defer l.stmtLock.Unlock()
	if l.insert != nil {
		l.insert.Close()
		l.insert = nil
	}
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func init() {
	module.Register(modName, New)
}
