package database

import (
	"fmt"
	"strings"

	"github.com/splax/localvercel/internal/state"
)

// Engine names.
const (
	Postgres = "postgres"
	MySQL    = "mysql"
	Redis    = "redis"
)

const (
	dumpDir       = "/tmp"
	redisDumpPath = "/data/dump.rdb"
)

// engine describes how one database product is run, dumped and restored.
type engine struct {
	name           string
	defaultVersion string
	repository     string
	port           int
	dataDir        string
	ext            string
}

var engines = map[string]engine{
	Postgres: {name: Postgres, defaultVersion: "16", repository: "postgres", port: 5432, dataDir: "/var/lib/postgresql/data", ext: "sql"},
	MySQL:    {name: MySQL, defaultVersion: "8.0", repository: "mysql", port: 3306, dataDir: "/var/lib/mysql", ext: "sql"},
	Redis:    {name: Redis, defaultVersion: "7", repository: "redis", port: 6379, dataDir: "/data", ext: "rdb"},
}

func lookupEngine(name string) (engine, error) {
	e, ok := engines[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return engine{}, fmt.Errorf("unsupported database engine %q", name)
	}
	return e, nil
}

func (e engine) image(version string) string {
	if strings.TrimSpace(version) == "" {
		version = e.defaultVersion
	}
	return e.repository + ":" + version
}

func (e engine) env(rec state.DatabaseRecord) map[string]string {
	switch e.name {
	case Postgres:
		return map[string]string{
			"POSTGRES_USER":     rec.User,
			"POSTGRES_PASSWORD": rec.Password,
			"POSTGRES_DB":       rec.Database,
		}
	case MySQL:
		return map[string]string{
			"MYSQL_ROOT_PASSWORD": rec.Password,
			"MYSQL_DATABASE":      rec.Database,
			"MYSQL_USER":          rec.User,
			"MYSQL_PASSWORD":      rec.Password,
		}
	}
	return nil
}

func (e engine) command(rec state.DatabaseRecord) []string {
	if e.name == Redis {
		return []string{"redis-server", "--requirepass", rec.Password, "--appendonly", "no"}
	}
	return nil
}

// clientEnv carries credentials to in-container tools without putting them in argv.
func (e engine) clientEnv(rec state.DatabaseRecord) map[string]string {
	switch e.name {
	case Postgres:
		return map[string]string{"PGPASSWORD": rec.Password}
	case MySQL:
		return map[string]string{"MYSQL_PWD": rec.Password}
	case Redis:
		return map[string]string{"REDISCLI_AUTH": rec.Password}
	}
	return nil
}

// dump returns the export command and the in-container path it writes.
func (e engine) dump(rec state.DatabaseRecord) ([]string, string) {
	switch e.name {
	case Postgres:
		path := dumpDir + "/paas-backup.sql"
		return []string{"pg_dump", "-U", rec.User, "-d", rec.Database, "--no-owner", "-f", path}, path
	case MySQL:
		path := dumpDir + "/paas-backup.sql"
		return []string{"mysqldump", "-u", rec.User, "--single-transaction", "--result-file=" + path, rec.Database}, path
	default:
		return []string{"redis-cli", "SAVE"}, redisDumpPath
	}
}

// load returns the import command for a dump copied to path.
func (e engine) load(rec state.DatabaseRecord, path string) []string {
	switch e.name {
	case Postgres:
		return []string{"psql", "-U", rec.User, "-d", rec.Database, "-v", "ON_ERROR_STOP=1", "-f", path}
	case MySQL:
		return []string{"mysql", "-u", rec.User, rec.Database, "-e", "source " + path}
	}
	return nil
}
