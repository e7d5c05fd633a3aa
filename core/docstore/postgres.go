package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/relabs-tech/devicemanager/core/csql"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// Postgres is a Store kept in a jsonb table named "_doc_<collection>_"
type Postgres struct {
	db          *csql.DB
	collection  string
	table       string
	getQuery    string
	createQuery string
	upsertQuery string
	updateQuery string
	deleteQuery string
}

// PostgresFactory returns a Factory creating postgres collections in db
func PostgresFactory(db *csql.DB) Factory {
	return func(collection string) (Store, error) {
		return NewPostgres(db, collection)
	}
}

// NewPostgres creates the collection's table if it does not exist yet
func NewPostgres(db *csql.DB, collection string) (*Postgres, error) {
	if !collectionName.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name '%s'", collection)
	}
	p := &Postgres{db: db, collection: collection, table: db.Table("_doc_" + collection + "_")}
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + p.table + `
(id VARCHAR NOT NULL,
revision BIGINT NOT NULL DEFAULT 1,
timestamp TIMESTAMP NOT NULL DEFAULT now(),
body JSONB NOT NULL,
PRIMARY KEY(id)
);`)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("document store:", collection)

	columns := `id, revision, timestamp, body`
	p.getQuery = `SELECT ` + columns + ` FROM ` + p.table + ` WHERE id=$1;`
	p.createQuery = `INSERT INTO ` + p.table + ` (id, revision, timestamp, body) VALUES($1,1,$2,$3)
ON CONFLICT DO NOTHING RETURNING ` + columns + `;`
	p.upsertQuery = `INSERT INTO ` + p.table + ` (id, revision, timestamp, body) VALUES($1,1,$2,$3)
ON CONFLICT (id) DO UPDATE SET revision=` + p.table + `.revision+1, timestamp=$2, body=$3 RETURNING ` + columns + `;`
	p.updateQuery = `UPDATE ` + p.table + ` SET revision=revision+1, timestamp=$2, body=$3
WHERE id=$1 AND revision::text=$4 RETURNING ` + columns + `;`
	p.deleteQuery = `DELETE FROM ` + p.table + ` WHERE id=$1 AND ($2='' OR revision::text=$2) RETURNING id;`
	return p, nil
}

// Collection implements Store
func (p *Postgres) Collection() string { return p.collection }

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row scanner, extra ...interface{}) (Document, error) {
	var (
		doc      Document
		revision int64
		body     []byte
	)
	dest := append([]interface{}{&doc.ID, &revision, &doc.Timestamp, &body}, extra...)
	if err := row.Scan(dest...); err != nil {
		return doc, err
	}
	doc.ETag = strconv.FormatInt(revision, 10)
	doc.Timestamp = doc.Timestamp.UTC()
	doc.Body = body
	return doc, nil
}

// Get implements Store
func (p *Postgres) Get(ctx context.Context, id string) (Document, error) {
	doc, err := scanDocument(p.db.QueryRowContext(ctx, p.getQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return doc, fmt.Errorf("%s/%s: %w", p.collection, id, ErrNotFound)
	}
	return doc, err
}

// Create implements Store
func (p *Postgres) Create(ctx context.Context, doc Document) (Document, error) {
	stored, err := scanDocument(p.db.QueryRowContext(ctx, p.createQuery, doc.ID, time.Now().UTC(), []byte(doc.Body)))
	if errors.Is(err, sql.ErrNoRows) || csql.IsUniqueViolation(err) {
		return doc, fmt.Errorf("%s/%s: %w", p.collection, doc.ID, ErrDuplicate)
	}
	return stored, err
}

// Save implements Store
func (p *Postgres) Save(ctx context.Context, doc Document) (Document, error) {
	now := time.Now().UTC()
	if doc.ETag == "" {
		return scanDocument(p.db.QueryRowContext(ctx, p.upsertQuery, doc.ID, now, []byte(doc.Body)))
	}
	stored, err := scanDocument(p.db.QueryRowContext(ctx, p.updateQuery, doc.ID, now, []byte(doc.Body), doc.ETag))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, doc.ID); getErr != nil {
			return doc, getErr
		}
		return doc, fmt.Errorf("%s/%s: %w", p.collection, doc.ID, ErrConflict)
	}
	return stored, err
}

// Delete implements Store
func (p *Postgres) Delete(ctx context.Context, id, etag string) error {
	var deleted string
	err := p.db.QueryRowContext(ctx, p.deleteQuery, id, etag).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%s/%s: %w", p.collection, id, ErrConflict)
	}
	return err
}

// Query implements Store
func (p *Postgres) Query(ctx context.Context, query Query) (Result, error) {
	if err := query.Validate(); err != nil {
		return Result{}, err
	}
	sqlQuery, args := p.compile(query)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	result := Result{Documents: []Document{}}
	for rows.Next() {
		var total int
		doc, err := scanDocument(rows, &total)
		if err != nil {
			return result, err
		}
		result.Total = total
		result.Documents = append(result.Documents, doc)
	}
	if err = rows.Err(); err != nil {
		return result, err
	}
	if len(result.Documents) == 0 && query.Skip > 0 {
		// the page is past the end, count separately
		countQuery, countArgs := p.compileWhere(query)
		err = p.db.QueryRowContext(ctx, `SELECT count(*) FROM `+p.table+countQuery, countArgs...).Scan(&result.Total)
	}
	return result, err
}

func (p *Postgres) compile(query Query) (string, []interface{}) {
	where, args := p.compileWhere(query)
	var sb strings.Builder
	sb.WriteString(`SELECT id, revision, timestamp, body, count(*) OVER() FROM ` + p.table + where)
	if query.OrderBy != "" {
		args = append(args, pq.Array(splitPath(query.OrderBy)))
		if query.Descending {
			sb.WriteString(fmt.Sprintf(` ORDER BY body #> $%d DESC NULLS LAST, id`, len(args)))
		} else {
			sb.WriteString(fmt.Sprintf(` ORDER BY body #> $%d ASC NULLS FIRST, id`, len(args)))
		}
	} else {
		sb.WriteString(` ORDER BY id`)
	}
	if query.Take > 0 {
		args = append(args, query.Take)
		sb.WriteString(fmt.Sprintf(` LIMIT $%d`, len(args)))
	}
	if query.Skip > 0 {
		args = append(args, query.Skip)
		sb.WriteString(fmt.Sprintf(` OFFSET $%d`, len(args)))
	}
	sb.WriteString(";")
	return sb.String(), args
}

func (p *Postgres) compileWhere(query Query) (string, []interface{}) {
	var (
		conditions []string
		args       []interface{}
	)
	param := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	for _, c := range query.Clauses {
		path := param(pq.Array(splitPath(c.Path)))
		value := "(body #> " + path + ")"
		textValue := "(body #>> " + path + ")"
		number, isNumber := parseNumber(c.Value)
		numberValue := "(CASE WHEN jsonb_typeof(" + value + ")='number' THEN " + textValue + "::numeric END)"

		var condition string
		switch c.Operator {
		case Exists:
			condition = value + " IS NOT NULL"
		case Eq, Ne:
			if isNumber {
				n := param(number)
				s := param(fmt.Sprint(c.Value))
				condition = "(CASE WHEN jsonb_typeof(" + value + ")='number' THEN " + textValue + "::numeric = " + n + "::numeric ELSE " + textValue + " = " + s + " END)"
			} else {
				condition = textValue + " = " + param(fmt.Sprint(c.Value))
			}
			if c.Operator == Ne {
				condition = "COALESCE(NOT " + condition + ", false)"
			}
		case Lt, Gt, Le, Ge:
			op := map[Operator]string{Lt: "<", Gt: ">", Le: "<=", Ge: ">="}[c.Operator]
			if isNumber {
				condition = numberValue + " " + op + " " + param(number) + "::numeric"
			} else {
				condition = textValue + " COLLATE \"C\" " + op + " " + param(fmt.Sprint(c.Value))
			}
		case In:
			list, _ := stringList(c.Value)
			condition = textValue + " = ANY(" + param(pq.Array(list)) + ")"
		case StartsWith:
			condition = "starts_with(" + textValue + ", " + param(fmt.Sprint(c.Value)) + ")"
		case EndsWith:
			s := param(fmt.Sprint(c.Value))
			condition = "right(" + textValue + ", length(" + s + ")) = " + s
		case Contains:
			condition = "strpos(lower(" + textValue + "), lower(" + param(fmt.Sprint(c.Value)) + ")) > 0"
		}
		conditions = append(conditions, condition)
	}

	if query.Search != "" && len(query.SearchPaths) > 0 {
		search := param(query.Search)
		var alternatives []string
		for _, p := range query.SearchPaths {
			path := param(pq.Array(splitPath(p)))
			alternatives = append(alternatives, "strpos(lower(body #>> "+path+"), lower("+search+")) > 0")
		}
		conditions = append(conditions, "("+strings.Join(alternatives, " OR ")+")")
	} else if query.Search != "" {
		conditions = append(conditions, "false")
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
