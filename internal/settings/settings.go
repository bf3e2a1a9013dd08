package settings

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var Settings *AppSettings

func NewSettings() *AppSettings {
	settings := AppSettings{
		Port:       getEnvOrDefault("SIMPLEDISPATCH_PORT", ":8080"),
		DBDriver:   getEnvOrDefault("SIMPLEDISPATCH_DB_DRIVER", DriverSQLite),
		DBPath:     getEnvOrDefault("SIMPLEDISPATCH_DB_PATH", "file:db.sqlite"),
		DBURL:      getEnvOrDefault("SIMPLEDISPATCH_DB_URL", ""),
		ConfigPath: getEnvOrDefault("SIMPLEDISPATCH_CONFIG", "config.json"),
		LogLevel:   getEnvOrDefault("SIMPLEDISPATCH_LOG_LEVEL", "info"),
		LogFormat:  getEnvOrDefault("SIMPLEDISPATCH_LOG_FORMAT", "json"),
		LogFile:    getEnvOrDefault("SIMPLEDISPATCH_LOG_FILE", ""),
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

type AppSettings struct {
	Port       string
	DBDriver   string
	DBPath     string
	DBURL      string
	ConfigPath string
	LogLevel   string
	LogFormat  string
	LogFile    string
}

func (as *AppSettings) IsPostgres() bool {
	return as.DBDriver == DriverPostgres
}

// DataSourceName returns the DSN for the configured driver. The readonly flag
// only applies to sqlite, where reads and writes use separate pools.
func (as *AppSettings) DataSourceName(readonly bool) string {
	if as.IsPostgres() {
		return as.DBURL
	}
	return as.SQLiteDbString(readonly)
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "cache_size(-20000)")
	params.Add("_pragma", "foreign_keys(ON)")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "immediate")
		params.Add("mode", "rwc")
	}

	return as.DBPath + "?" + params.Encode()
}

// ReadDotenv loads key=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func ReadDotenv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
