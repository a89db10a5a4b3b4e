package helpers

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

const postgresConnectTimeout = 10 * time.Second

var pgDb *sql.DB

// ConnectPostgres opens the postgres pool and verifies the connection
func ConnectPostgres(dsn string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return errors.New("empty postgres dsn")
	}

	cache.GetLogger().WithField("module", "postgres").Info("Connecting to postgres")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return errors.Wrap(err, "opening postgres failed")
	}
	db.SetMaxOpenConns(ConfigInt("postgres.max_open_conns", 5))
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()
	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "connecting to postgres failed")
	}

	pgDb = db
	cache.GetLogger().WithField("module", "postgres").Info("Connected!")
	return nil
}

// HasPostgres reports whether ConnectPostgres succeeded
func HasPostgres() bool {
	return pgDb != nil
}

// GetPostgres is a simple getter for the postgres pool
func GetPostgres() *sql.DB {
	return pgDb
}
