package migrations

import (
	"reflect"
	"runtime"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/pkg/errors"
)

type migration func() error

var migrations = []migration{
	m0_create_table_staff_attribution,
	m1_create_table_join_records,
	m2_create_table_vip_requests,
	m3_create_table_backup_snapshots,
	m4_create_mongodb_indexes,
}

// Run executes all registered migrations against the connected relational stores
func Run() error {
	log := cache.GetLogger().WithField("module", "migrations")
	log.Info("Running migrations...")
	for _, migration := range migrations {
		migrationName := runtime.FuncForPC(
			reflect.ValueOf(migration).Pointer(),
		).Name()

		log.Debugf("Running %s", migrationName)
		err := migration()
		if err != nil {
			return errors.Wrapf(err, "migration %s failed", migrationName)
		}
	}

	log.Info("Migrations finished!")
	return nil
}
