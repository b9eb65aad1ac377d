package pg

import (
	"database/sql"
	"io/fs"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

// Migrator runs goose migrations from an embedded filesystem.
type Migrator struct {
	cfg Config
	fs  fs.FS
	dir string
}

func NewMigrator(cfg Config, migrations fs.FS, dir string) *Migrator {
	return &Migrator{cfg: cfg, fs: migrations, dir: dir}
}

func (m *Migrator) Up() error {
	return m.run(goose.Up)
}

func (m *Migrator) Down() error {
	return m.run(goose.Down)
}

func (m *Migrator) Status() error {
	return m.run(goose.Status)
}

func (m *Migrator) run(cmd func(db *sql.DB, dir string, opts ...goose.OptionsFunc) error) error {
	goose.SetBaseFS(m.fs)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "set goose dialect")
	}

	db, err := newSqlConnection(m.cfg)
	if err != nil {
		return errors.Wrap(err, "open migration connection")
	}
	defer db.Close()

	return cmd(db, m.dir)
}
