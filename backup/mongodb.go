package backup

import (
	"context"
	"time"

	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"
	"github.com/pkg/errors"
)

const mongoSnapshotID = "default"

type mongoJoinRecord struct {
	Key               string `bson:"_id"`
	models.JoinRecord `bson:",inline"`
}

type mongoSnapshot struct {
	ID        string    `bson:"_id"`
	Version   int       `bson:"version"`
	Timestamp time.Time `bson:"timestamp"`
	Payload   []byte    `bson:"payload"`
}

// MongoDB implements Relational with one collection per table. mgo calls cannot be cancelled,
// ctx is only checked between writes.
type MongoDB struct {
	db *mgo.Database
}

func NewMongoDB(db *mgo.Database) *MongoDB {
	return &MongoDB{db: db}
}

func (m *MongoDB) SaveSnapshot(ctx context.Context, payload models.BackupPayload) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	session := m.db.Session.Copy()
	defer session.Close()
	db := m.db.With(session)

	for _, attribution := range payload.Staff {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err = db.C(models.StaffAttributionTable.String()).UpsertId(attribution.StaffID, attribution)
		if err != nil {
			return errors.Wrapf(err, "upserting staff attribution %s failed", attribution.StaffID)
		}
	}

	for _, request := range payload.Requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err = db.C(models.VIPRequestsTable.String()).UpsertId(request.RequestID, request)
		if err != nil {
			return errors.Wrapf(err, "upserting vip request %s failed", request.RequestID)
		}
	}

	_, err = db.C(models.BackupSnapshotsTable.String()).UpsertId(mongoSnapshotID, mongoSnapshot{
		ID:        mongoSnapshotID,
		Version:   payload.Version,
		Timestamp: payload.Timestamp,
		Payload:   data,
	})
	return errors.Wrap(err, "upserting backup snapshot failed")
}

func (m *MongoDB) LoadSnapshot(ctx context.Context) (payload models.BackupPayload, err error) {
	session := m.db.Session.Copy()
	defer session.Close()

	var snapshot mongoSnapshot
	err = m.db.With(session).C(models.BackupSnapshotsTable.String()).FindId(mongoSnapshotID).One(&snapshot)
	if err == mgo.ErrNotFound {
		return payload, models.ErrNotFound
	}
	if err != nil {
		return payload, errors.Wrap(err, "reading backup snapshot failed")
	}
	return decodePayload(snapshot.Payload)
}

func (m *MongoDB) InsertJoins(ctx context.Context, records []models.JoinRecord) error {
	session := m.db.Session.Copy()
	defer session.Close()
	collection := m.db.With(session).C(models.JoinRecordsTable.String())

	for _, record := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := collection.Upsert(bson.M{"_id": record.Key()}, bson.M{
			"$setOnInsert": mongoJoinRecord{Key: record.Key(), JoinRecord: record},
		})
		if err != nil {
			return errors.Wrapf(err, "inserting join record %s failed", record.Key())
		}
	}
	return nil
}
