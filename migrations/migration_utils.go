package migrations

import (
	"context"
	"fmt"
	"time"

	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/globalsign/mgo"
)

const migrationTimeout = 30 * time.Second

// CreateTableIfNotExists (works like the mysql call)
func CreateTableIfNotExists(tableName, columns string) error {
	if !helpers.HasPostgres() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrationTimeout)
	defer cancel()

	_, err := helpers.GetPostgres().ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", tableName, columns))
	return err
}

// CreateIndexIfNotExists creates a postgres index on table(columns)
func CreateIndexIfNotExists(indexName, tableName, columns string) error {
	if !helpers.HasPostgres() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrationTimeout)
	defer cancel()

	_, err := helpers.GetPostgres().ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", indexName, tableName, columns))
	return err
}

// EnsureMdbIndex creates a mongodb index if mongodb is connected
func EnsureMdbIndex(collection models.MongoDbCollection, unique bool, keys ...string) error {
	if !helpers.HasMDb() {
		return nil
	}

	return helpers.MdbCollection(collection).EnsureIndex(mgo.Index{
		Key:        keys,
		Unique:     unique,
		Background: true,
	})
}
