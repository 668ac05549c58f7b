package store

import (
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
)

// Driver names accepted in auth.store.type.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Dependencies are handles owned by the caller that some drivers share.
type Dependencies struct {
	// SQLiteDB is the broker database; the sqlite driver keeps its table there.
	SQLiteDB *gorm.DB
}

type opener func(cfg Config, deps Dependencies) (Store, error)

var drivers = map[string]opener{
	DriverMemory: func(cfg Config, _ Dependencies) (Store, error) {
		return NewMemory(cfg), nil
	},
	DriverSQLite: func(cfg Config, deps Dependencies) (Store, error) {
		if deps.SQLiteDB == nil {
			return nil, fmt.Errorf("sqlite credential store needs the broker database")
		}
		return NewSQLite(deps.SQLiteDB, cfg)
	},
	DriverRedis: func(cfg Config, _ Dependencies) (Store, error) {
		return NewRedis(cfg)
	},
}

// New opens the credential store named by cfg.Driver (memory when empty).
func New(cfg Config, deps Dependencies) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" {
		name = DriverMemory
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported credential store %q (want one of %s)", cfg.Driver, strings.Join(Drivers(), ", "))
	}
	return open(cfg, deps)
}

// Drivers lists the known driver names, sorted.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
