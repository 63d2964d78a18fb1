package store

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/verdant-tech/gardenauth/core/csql"
)

// Postgres is the implementation of the store Driver for a postgres database.
// Documents live in a single "_documents_" relation within the database schema.
type Postgres struct {
	db *csql.DB
}

// PostgresConfiguration contains the configuration for the postgres store
type PostgresConfiguration struct {
	// DB is an already opened database. This is mandatory.
	DB *csql.DB
}

// NewPostgres returns a new Postgres store. It creates the sql relation
// for the documents if it does not exist yet.
func NewPostgres(config PostgresConfiguration) (*Postgres, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("DB is missing")
	}
	db := config.DB
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_documents_"
(path varchar NOT NULL,
document json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(path)
);`)
	if err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Read reads the document at path into value.
func (p *Postgres) Read(path string, value interface{}) (bool, error) {
	var rawValue json.RawMessage
	err := p.db.QueryRow(
		`SELECT document FROM `+p.db.Schema+`."_documents_" WHERE path=$1;`,
		path).Scan(&rawValue)
	if err == csql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cannot read document '%s': %s", path, err.Error())
	}
	return true, json.Unmarshal(rawValue, value)
}

// Write stores value as the document at path.
func (p *Postgres) Write(path string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := p.db.Exec(
		`INSERT INTO `+p.db.Schema+`."_documents_"(path,document,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (path) DO UPDATE SET document=$2,timestamp=$3;`,
		path, string(body), now)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write document %s", path)
	}
	return nil
}

// Update rewrites the document at path under a row lock, so concurrent
// updates of the same document are serialized by the database.
func (p *Postgres) Update(path string, modify func(raw json.RawMessage) (interface{}, error)) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rawValue json.RawMessage
	err = tx.QueryRow(
		`SELECT document FROM `+p.db.Schema+`."_documents_" WHERE path=$1 FOR UPDATE;`,
		path).Scan(&rawValue)
	if err != nil && err != csql.ErrNoRows {
		return fmt.Errorf("cannot read document '%s': %s", path, err.Error())
	}

	value, err := modify(rawValue)
	if err != nil {
		return err
	}
	if value == nil {
		return tx.Commit()
	}

	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = tx.Exec(
		`INSERT INTO `+p.db.Schema+`."_documents_"(path,document,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (path) DO UPDATE SET document=$2,timestamp=$3;`,
		path, string(body), now)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes the document at path.
func (p *Postgres) Delete(path string) error {
	_, err := p.db.Exec(
		`DELETE FROM `+p.db.Schema+`."_documents_" WHERE path=$1;`,
		path)
	return err
}
