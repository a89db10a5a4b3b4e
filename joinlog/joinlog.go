// Package joinlog is the append-only record of every join, written twice: newline delimited JSON
// for programmatic queries and a CSV mirror with the same field order for external analysis.
package joinlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/models"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	StructuredFilename = "joins.jsonl"
	TabularFilename    = "joins.csv"

	maxRetryDelay = 5 * time.Second
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	ErrDuplicateRecord = errors.New("join record already logged")

	// Header is the column order of the tabular mirror, identical to the JSON field order.
	Header = []string{
		"user_id", "username", "invite_code", "staff_id", "use_count_before", "use_count_after",
		"observed_at", "community_id", "ambiguous", "source",
	}
)

type Log struct {
	sync.Mutex

	structured *os.File
	tabular    *os.File

	keys         map[string]struct{}
	records      int
	lastObserved time.Time
	ordered      bool

	retryDelay time.Duration
	// write hooks, replaced in tests to simulate failing disks
	writeStructured func(f *os.File, data []byte) error
	writeTabular    func(f *os.File, data []byte) error
}

// Open opens (or creates) the log in dir. A record torn by a crash is dropped from the
// structured file, missing mirror rows are re-derived from the structured file.
func Open(dir string) (*Log, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, errors.Wrap(err, "creating join log directory failed")
	}

	l := &Log{
		keys:            make(map[string]struct{}),
		ordered:         true,
		retryDelay:      100 * time.Millisecond,
		writeStructured: writeSynced,
		writeTabular:    writeSynced,
	}

	l.structured, err = os.OpenFile(filepath.Join(dir, StructuredFilename), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening structured join log failed")
	}
	l.tabular, err = os.OpenFile(filepath.Join(dir, TabularFilename), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		l.structured.Close()
		return nil, errors.Wrap(err, "opening tabular join log failed")
	}

	err = l.load()
	if err != nil {
		l.Close()
		return nil, err
	}

	l.logger().WithField("records", l.records).Info("join log opened at ", dir)
	return l, nil
}

func (l *Log) Close() error {
	l.Lock()
	defer l.Unlock()

	errStructured := l.structured.Close()
	errTabular := l.tabular.Close()
	if errStructured != nil {
		return errStructured
	}
	return errTabular
}

// Len returns the number of records in the log.
func (l *Log) Len() int {
	l.Lock()
	defer l.Unlock()
	return l.records
}

// Append writes the record to both representations. A failed attempt is rolled back in both
// files and the whole record is written again until it succeeds or ctx is done.
func (l *Log) Append(ctx context.Context, record models.JoinRecord) error {
	if record.UserID == "" || record.ObservedAt.IsZero() {
		return errors.New("join record needs a user id and an observation time")
	}
	if record.Source == "" {
		record.Source = models.JoinSourceResolver
	}
	record.ObservedAt = record.ObservedAt.UTC()

	structuredLine, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "encoding join record failed")
	}
	structuredLine = append(structuredLine, '\n')
	tabularLine, err := encodeRow(record)
	if err != nil {
		return errors.Wrap(err, "encoding join record row failed")
	}

	l.Lock()
	defer l.Unlock()

	if _, ok := l.keys[record.Key()]; ok {
		return ErrDuplicateRecord
	}

	delay := l.retryDelay
	for attempt := 1; ; attempt++ {
		err = l.appendOnce(structuredLine, tabularLine)
		if err == nil {
			break
		}

		l.logger().WithFields(logrus.Fields{
			"attempt": attempt,
			"userID":  record.UserID,
			"code":    record.InviteCode,
		}).Warn("appending join record failed, retrying: ", err.Error())

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "appending join record for %s gave up after %d attempts", record.UserID, attempt)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}

	l.keys[record.Key()] = struct{}{}
	l.records++
	if record.ObservedAt.Before(l.lastObserved) {
		l.ordered = false
	} else {
		l.lastObserved = record.ObservedAt
	}
	return nil
}

// appendOnce writes one record to both files, restoring both to their previous size on failure.
func (l *Log) appendOnce(structuredLine, tabularLine []byte) error {
	structuredSize, err := fileSize(l.structured)
	if err != nil {
		return err
	}
	tabularSize, err := fileSize(l.tabular)
	if err != nil {
		return err
	}

	err = l.writeStructured(l.structured, structuredLine)
	if err == nil {
		err = l.writeTabular(l.tabular, tabularLine)
	}
	if err != nil {
		rollbackErr := l.structured.Truncate(structuredSize)
		if rollbackErr == nil {
			rollbackErr = l.tabular.Truncate(tabularSize)
		}
		if rollbackErr != nil {
			return errors.Wrapf(err, "rolling back partial join record failed (%s)", rollbackErr.Error())
		}
		return err
	}
	return nil
}

func (l *Log) load() error {
	data, err := readAll(l.structured)
	if err != nil {
		return errors.Wrap(err, "reading structured join log failed")
	}

	// a crash can leave a partial last line, it never was a record
	if complete := bytes.LastIndexByte(data, '\n') + 1; complete < len(data) {
		l.logger().Warnf("dropping %d bytes of a torn join record", len(data)-complete)
		err = l.structured.Truncate(int64(complete))
		if err != nil {
			return errors.Wrap(err, "dropping torn join record failed")
		}
		data = data[:complete]
	}

	records := make([]models.JoinRecord, 0)
	scanner := newScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var record models.JoinRecord
		err = json.Unmarshal(scanner.Bytes(), &record)
		if err != nil {
			return errors.Wrapf(err, "join log line %d is corrupt", len(records)+1)
		}
		records = append(records, record)
		l.keys[record.Key()] = struct{}{}
		if record.ObservedAt.Before(l.lastObserved) {
			l.ordered = false
		} else {
			l.lastObserved = record.ObservedAt
		}
	}
	if err = scanner.Err(); err != nil {
		return errors.Wrap(err, "scanning structured join log failed")
	}
	l.records = len(records)

	return l.repairTabular(records)
}

// repairTabular makes sure the mirror carries the header and one row per structured record.
func (l *Log) repairTabular(records []models.JoinRecord) error {
	data, err := readAll(l.tabular)
	if err != nil {
		return errors.Wrap(err, "reading tabular join log failed")
	}
	if complete := bytes.LastIndexByte(data, '\n') + 1; complete < len(data) {
		err = l.tabular.Truncate(int64(complete))
		if err != nil {
			return errors.Wrap(err, "dropping torn join log row failed")
		}
		data = data[:complete]
	}

	if len(data) == 0 {
		header, err := encodeLine(Header)
		if err != nil {
			return err
		}
		err = writeSynced(l.tabular, header)
		if err != nil {
			return errors.Wrap(err, "writing join log header failed")
		}
	}

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return errors.Wrap(err, "tabular join log is corrupt")
	}
	existing := len(rows) - 1
	if existing < 0 {
		existing = 0
	}

	switch {
	case existing > len(records):
		l.logger().Warnf("tabular join log has %d rows for %d records", existing, len(records))
	case existing < len(records):
		l.logger().Warnf("restoring %d rows missing from the tabular join log", len(records)-existing)
		for _, record := range records[existing:] {
			row, err := encodeRow(record)
			if err != nil {
				return err
			}
			err = writeSynced(l.tabular, row)
			if err != nil {
				return errors.Wrap(err, "restoring tabular join log row failed")
			}
		}
	}
	return nil
}

func (l *Log) logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "joinlog")
}

func encodeRow(record models.JoinRecord) ([]byte, error) {
	return encodeLine([]string{
		record.UserID,
		record.Username,
		record.InviteCode,
		record.StaffID,
		strconv.Itoa(record.UseCountBefore),
		strconv.Itoa(record.UseCountAfter),
		record.ObservedAt.UTC().Format(time.RFC3339Nano),
		record.CommunityID,
		strconv.FormatBool(record.Ambiguous),
		record.Source,
	})
}

func encodeLine(fields []string) ([]byte, error) {
	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)
	err := writer.Write(fields)
	if err != nil {
		return nil, err
	}
	writer.Flush()
	return buffer.Bytes(), writer.Error()
}

func writeSynced(f *os.File, data []byte) error {
	_, err := f.Write(data)
	if err != nil {
		return err
	}
	return f.Sync()
}

func fileSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func readAll(f *os.File) ([]byte, error) {
	size, err := fileSize(f)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(io.NewSectionReader(f, 0, size))
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return scanner
}
