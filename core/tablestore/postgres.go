package tablestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/relabs-tech/devicemanager/core/csql"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// Postgres is a Table stored in a postgres table named "_tbl_<name>_"
type Postgres struct {
	db        *csql.DB
	name      string
	table     string
	getQuery  string
	listQuery string
	allQuery  string
	insert    string
	replace   string
	delete    string
}

// Factory creates tables by name
type Factory func(name string) (Table, error)

// PostgresFactory returns a Factory creating postgres tables in db
func PostgresFactory(db *csql.DB) Factory {
	return func(name string) (Table, error) {
		return NewPostgres(db, name)
	}
}

// NewPostgres creates the table if it does not exist yet
func NewPostgres(db *csql.DB, name string) (*Postgres, error) {
	if !tableName.MatchString(name) {
		return nil, fmt.Errorf("invalid table name '%s'", name)
	}
	t := &Postgres{db: db, name: name, table: db.Table("_tbl_" + name + "_")}

	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + t.table + `
(partition_key VARCHAR NOT NULL,
row_key VARCHAR NOT NULL,
revision BIGINT NOT NULL DEFAULT 1,
timestamp TIMESTAMP NOT NULL DEFAULT now(),
properties JSONB NOT NULL DEFAULT '{}'::jsonb,
PRIMARY KEY(partition_key, row_key)
);`)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("table store:", name)

	columns := `partition_key, row_key, revision, timestamp, properties`
	t.getQuery = `SELECT ` + columns + ` FROM ` + t.table + ` WHERE partition_key=$1 AND row_key=$2;`
	t.listQuery = `SELECT ` + columns + ` FROM ` + t.table + ` WHERE partition_key=$1 ORDER BY row_key;`
	t.allQuery = `SELECT ` + columns + ` FROM ` + t.table + ` ORDER BY partition_key, row_key;`
	t.insert = `INSERT INTO ` + t.table + ` (partition_key, row_key, revision, timestamp, properties)
VALUES($1,$2,1,$3,$4) ON CONFLICT DO NOTHING RETURNING ` + columns + `;`
	t.replace = `UPDATE ` + t.table + ` SET revision=revision+1, timestamp=$3, properties=$4
WHERE partition_key=$1 AND row_key=$2 AND ($5='*' OR revision::text=$5) RETURNING ` + columns + `;`
	t.delete = `DELETE FROM ` + t.table + ` WHERE partition_key=$1 AND row_key=$2 AND ($3='*' OR revision::text=$3) RETURNING row_key;`
	return t, nil
}

// Name implements Table
func (t *Postgres) Name() string { return t.name }

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row scanner) (Entity, error) {
	var (
		e        Entity
		revision int64
		props    []byte
	)
	err := row.Scan(&e.PartitionKey, &e.RowKey, &revision, &e.Timestamp, &props)
	if err != nil {
		return e, err
	}
	e.ETag = strconv.FormatInt(revision, 10)
	e.Timestamp = e.Timestamp.UTC()
	e.Properties = props
	return e, nil
}

// Get implements Table
func (t *Postgres) Get(ctx context.Context, partitionKey, rowKey string) (Entity, error) {
	e, err := scanEntity(t.db.QueryRowContext(ctx, t.getQuery, partitionKey, rowKey))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%s/%s/%s: %w", t.name, partitionKey, rowKey, ErrNotFound)
	}
	return e, err
}

// Query implements Table
func (t *Postgres) Query(ctx context.Context, partitionKey string) ([]Entity, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if partitionKey == "" {
		rows, err = t.db.QueryContext(ctx, t.allQuery)
	} else {
		rows, err = t.db.QueryContext(ctx, t.listQuery, partitionKey)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Insert implements Table
func (t *Postgres) Insert(ctx context.Context, entity Entity) (Entity, error) {
	e, err := scanEntity(t.db.QueryRowContext(ctx, t.insert,
		entity.PartitionKey, entity.RowKey, time.Now().UTC(), properties(entity)))
	if errors.Is(err, sql.ErrNoRows) || csql.IsUniqueViolation(err) {
		return e, fmt.Errorf("%s/%s/%s: %w", t.name, entity.PartitionKey, entity.RowKey, ErrDuplicate)
	}
	return e, err
}

// Replace implements Table
func (t *Postgres) Replace(ctx context.Context, entity Entity) (Entity, error) {
	e, err := scanEntity(t.db.QueryRowContext(ctx, t.replace,
		entity.PartitionKey, entity.RowKey, time.Now().UTC(), properties(entity), entity.ETag))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := t.Get(ctx, entity.PartitionKey, entity.RowKey); getErr != nil {
			return e, getErr
		}
		return e, fmt.Errorf("%s/%s/%s: %w", t.name, entity.PartitionKey, entity.RowKey, ErrConflict)
	}
	return e, err
}

// Delete implements Table
func (t *Postgres) Delete(ctx context.Context, partitionKey, rowKey, etag string) error {
	var deleted string
	err := t.db.QueryRowContext(ctx, t.delete, partitionKey, rowKey, etag).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := t.Get(ctx, partitionKey, rowKey); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%s/%s/%s: %w", t.name, partitionKey, rowKey, ErrConflict)
	}
	return err
}

func properties(entity Entity) []byte {
	if len(entity.Properties) == 0 {
		return []byte("{}")
	}
	return entity.Properties
}
