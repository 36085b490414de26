package app

import (
	"strings"

	"github.com/charlesng35/sentinel/internal/database"
)

// ConnectionConfig converts DatabaseConfig into the database package representation.
func (c DatabaseConfig) ConnectionConfig() database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   strings.TrimSpace(c.Path),
		DSN:    strings.TrimSpace(c.DSN),
	}

	var hosted DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		hosted = c.Postgres
	case "mysql", "mariadb":
		dbCfg.Driver = "mysql"
		hosted = c.MySQL
	default:
		// Unknown drivers are rejected by database.Open.
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(hosted.Host)
	dbCfg.Port = hosted.Port
	dbCfg.Name = strings.TrimSpace(hosted.Database)
	dbCfg.User = strings.TrimSpace(hosted.Username)
	dbCfg.Password = hosted.Password
	return dbCfg
}
