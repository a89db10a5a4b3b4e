package helpers

import (
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/globalsign/mgo"
	"github.com/pkg/errors"
)

var (
	mDbSession  *mgo.Session
	mDbDatabase string
)

type mgoLogger struct {
}

func (mgol mgoLogger) Output(calldepth int, s string) error {
	// ignore SYNC messages
	if strings.HasPrefix(s, "SYNC ") {
		return nil
	}

	cache.GetLogger().WithField("module", "mdb").Debug(s)
	return nil
}

// ConnectMDB connects to mongodb and stores the session
func ConnectMDB(url string, database string) error {
	log := cache.GetLogger()
	log.WithField("module", "mdb").Info("Connecting to " + url)

	mgo.SetDebug(false)
	if DEBUG_MODE {
		mgo.SetLogger(new(mgoLogger))
	}

	newUrl := strings.TrimSuffix(url, "?ssl=true")
	newUrl = strings.Replace(newUrl, "ssl=true&", "", -1)

	dialInfo, err := mgo.ParseURL(newUrl)
	if err != nil {
		return errors.Wrap(err, "parsing mongodb url failed")
	}
	dialInfo.Timeout = 10 * time.Second

	// setup TLS if we use SSL
	if newUrl != url {
		tlsConfig := &tls.Config{}
		tlsConfig.InsecureSkipVerify = true

		dialInfo.DialServer = func(addr *mgo.ServerAddr) (net.Conn, error) {
			conn, err := tls.Dial("tcp", addr.String(), tlsConfig)
			return conn, err
		}
	}

	mDbSession, err = mgo.DialWithInfo(dialInfo)
	if err != nil {
		return errors.Wrap(err, "connecting to mongodb failed")
	}

	mDbSession.SetMode(mgo.Primary, false)
	mDbSession.SetSafe(&mgo.Safe{})

	mDbDatabase = database

	log.WithField("module", "mdb").Info("Connected!")
	return nil
}

// HasMDb reports whether ConnectMDB succeeded
func HasMDb() bool {
	return mDbSession != nil
}

// GetMDb is a simple getter for the mongodb database.
func GetMDb() *mgo.Database {
	return mDbSession.DB(mDbDatabase)
}

// GetMDbSession is a simple getter for the mongodb session.
func GetMDbSession() *mgo.Session {
	return mDbSession
}

// MdbCollection returns the collection of the connected database
func MdbCollection(collection models.MongoDbCollection) *mgo.Collection {
	return GetMDb().C(collection.String())
}

// IsMdbNotFound reports whether err is mgo's not found error
func IsMdbNotFound(err error) bool {
	return errors.Cause(err) == mgo.ErrNotFound
}
