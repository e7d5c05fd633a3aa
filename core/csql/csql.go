package csql

import (
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/lib/pq" // load database driver for postgres
	"github.com/relabs-tech/devicemanager/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// OpenWithSchema opens a postgres database with a schema.
// The schema gets created if it does not exist yet.
// The returned database also has the uuid-ossp extension loaded.
func OpenWithSchema(dataSourceName, password, schema string) *DB {
	logger.Default().Infoln("connecting to postgres database: ", dataSourceName)
	if password != "" {
		dataSourceName += " password=" + password
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		panic(err)
	}
	if err = db.Ping(); err != nil {
		panic(err)
	}
	if len(schema) == 0 {
		schema = "public"
	}
	if !schemaName.MatchString(schema) {
		panic("invalid schema name: " + schema)
	}
	logger.Default().Infoln("selected database schema:", schema)
	_, err = db.Exec(`CREATE extension IF NOT EXISTS "uuid-ossp";
CREATE schema IF NOT EXISTS ` + schema + `;
`)
	if err != nil {
		panic(err)
	}
	return &DB{DB: db, Schema: schema}
}

// Table returns the fully qualified, quoted name of a table in the database's schema
func (db *DB) Table(name string) string {
	return db.Schema + `."` + strings.ReplaceAll(name, `"`, "") + `"`
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`)
	if err != nil {
		logger.Default().WithError(err).Errorln("clear schema error:", db.Schema)
	}
}

// IsUniqueViolation returns true if err is a postgres unique constraint violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
