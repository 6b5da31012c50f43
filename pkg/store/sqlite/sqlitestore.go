package sqlitestore

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	_ "embed" // for side effect

	_ "modernc.org/sqlite" // for side effect

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// errors form database
var (
	// ErrNoRowsAffected by the operation.
	ErrNoRowsAffected = errors.New("no rows affected by operation")

	// ErrDBAlreadyClosed is returned if you call Close and the database is either already closed or it was
	// never opened in the first place.
	ErrDBAlreadyClosed = errors.New("database already closed")
)

type SqliteStore struct {
	dbSpec string
	mu     sync.RWMutex
	db     *sqlx.DB
}

var (
	//go:embed schema.sql
	schema string

	// regexp for matching comments and empty lines
	commentsAndEmptyLinesRegex = regexp.MustCompile("--.*?\n$|^\\s+$")
)

// New creates a new sqliteStore instance. If the database does not exist
// it is created.
func New(dbSpec string) (*SqliteStore, bool, error) {
	db, created, err := openDB(dbSpec)
	if err != nil {
		return nil, false, err
	}

	return &SqliteStore{
		dbSpec: dbSpec,
		db:     db,
	}, created, nil
}

// Close the sqliteStore.
func (s *SqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrDBAlreadyClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// dsn turns a file path into a modernc DSN with the pragmas the queue relies
// on: every commit reaches the disk before it returns.
func dsn(dbSpec string) string {
	if strings.Contains(dbSpec, ":memory:") {
		return dbSpec
	}
	return "file:" + dbSpec + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
}

func openDB(dbSpec string) (*sqlx.DB, bool, error) {
	// If the file does not already exist or the database is not an in-memory database
	// we need to create the schema.
	dbNeedsCreation := true
	if !strings.Contains(dbSpec, ":memory:") {
		_, err := os.Stat(dbSpec)
		dbNeedsCreation = os.IsNotExist(err)
	}

	db, err := sqlx.Open("sqlite", dsn(dbSpec))
	if err != nil {
		return nil, false, errors.Wrap(err, "unable to open database")
	}
	// a single connection serialises writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, false, errors.Wrap(err, "unable to ping database")
	}

	// The schema is idempotent, so it is applied on every open; this also
	// heals a file that was created but never initialised.
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, false, errors.Wrap(err, "unable to create schema")
	}
	if dbNeedsCreation {
		log.Info().Str("db", dbSpec).Msg("created database")
	}

	return db, dbNeedsCreation, nil
}

// createSchema populates a schema into an sqlx database handle
func createSchema(db *sqlx.DB) error {
	for n, statement := range strings.Split(schema, ";") {
		statement = trimCommentsAndWhitespace(statement)

		if statement == "" {
			continue
		}

		_, err := db.Exec(statement)
		if err != nil {
			return fmt.Errorf("statement %d failed: \"%s\" : %w", n+1, statement, err)
		}
	}

	return nil
}

// trimCommentsAndWhitespace removes comments and superfluous whitespace
func trimCommentsAndWhitespace(s string) string {
	sb := strings.Builder{}

	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		b := commentsAndEmptyLinesRegex.ReplaceAll([]byte(line), nil)
		sb.Write(b)
	}
	return strings.TrimSpace(sb.String())
}

// CheckForZeroRowsAffected ensures that if zero rows are affected by operations that
// should have side-effects, an error is returned.
func CheckForZeroRowsAffected(r sql.Result, err error) error {
	if r == nil {
		return err
	}
	affected, err2 := r.RowsAffected()
	if err2 != nil {
		return err2
	}
	if affected == 0 {
		return ErrNoRowsAffected
	}

	return err
}
