package joinlog

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/bradfitz/slice"
	"github.com/pkg/errors"
)

// Filter selects join records. Empty fields match everything.
type Filter struct {
	UserID         string
	InviteCode     string
	StaffID        string
	CommunityID    string
	UnresolvedOnly bool
	AmbiguousOnly  bool
	Since          time.Time
}

func (f Filter) Match(record models.JoinRecord) bool {
	if f.UserID != "" && record.UserID != f.UserID {
		return false
	}
	if f.InviteCode != "" && record.InviteCode != f.InviteCode {
		return false
	}
	if f.StaffID != "" && record.StaffID != f.StaffID {
		return false
	}
	if f.CommunityID != "" && record.CommunityID != f.CommunityID {
		return false
	}
	if f.UnresolvedOnly && record.Resolved() {
		return false
	}
	if f.AmbiguousOnly && !record.Ambiguous {
		return false
	}
	if !f.Since.IsZero() && record.ObservedAt.Before(f.Since) {
		return false
	}
	return true
}

// Iterator walks the records matching a filter in observed_at order. It only covers the records
// logged when the query was made, so it always ends. Rewind starts it over.
type Iterator struct {
	path   string
	limit  int64
	filter Filter
	sorted bool

	file    *os.File
	scanner *bufio.Scanner
	pending []models.JoinRecord
	current models.JoinRecord
	err     error
}

// Query returns an iterator over the matching records. Records are streamed from disk; if
// records were ever appended out of observed_at order the matches are sorted first.
func (l *Log) Query(filter Filter) *Iterator {
	l.Lock()
	defer l.Unlock()

	it := &Iterator{
		path:   l.structured.Name(),
		filter: filter,
		sorted: !l.ordered,
	}
	it.limit, it.err = fileSize(l.structured)
	return it
}

// Records collects all matching records.
func (l *Log) Records(filter Filter) ([]models.JoinRecord, error) {
	it := l.Query(filter)
	defer it.Close()

	records := make([]models.JoinRecord, 0)
	for it.Next() {
		records = append(records, it.Record())
	}
	return records, it.Err()
}

// Latest returns the most recent join record of a user.
func (l *Log) Latest(userID string) (latest models.JoinRecord, found bool, err error) {
	it := l.Query(Filter{UserID: userID})
	defer it.Close()

	for it.Next() {
		latest = it.Record()
		found = true
	}
	return latest, found, it.Err()
}

func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.file == nil {
		it.err = it.open()
		if it.err != nil {
			return false
		}
	}

	if it.sorted {
		if len(it.pending) == 0 {
			return false
		}
		it.current = it.pending[0]
		it.pending = it.pending[1:]
		return true
	}

	record, ok := it.scan()
	if ok {
		it.current = record
	}
	return ok
}

func (it *Iterator) Record() models.JoinRecord {
	return it.current
}

func (it *Iterator) Err() error {
	return it.err
}

// Rewind restarts the iteration from the first matching record.
func (it *Iterator) Rewind() error {
	err := it.Close()
	if err != nil {
		return err
	}
	it.err = nil
	it.pending = nil
	it.current = models.JoinRecord{}
	return nil
}

func (it *Iterator) Close() error {
	if it.file == nil {
		return nil
	}
	err := it.file.Close()
	it.file = nil
	it.scanner = nil
	return err
}

func (it *Iterator) open() (err error) {
	it.file, err = os.Open(it.path)
	if err != nil {
		return errors.Wrap(err, "opening join log for reading failed")
	}
	it.scanner = newScanner(io.LimitReader(it.file, it.limit))

	if !it.sorted {
		return nil
	}
	it.pending = make([]models.JoinRecord, 0)
	positions := make(map[string]int)
	for {
		record, ok := it.scan()
		if !ok {
			break
		}
		positions[record.Key()] = len(it.pending)
		it.pending = append(it.pending, record)
	}
	if it.err != nil {
		return it.err
	}
	// equal timestamps keep their log order
	slice.Sort(it.pending, func(i, j int) bool {
		if !it.pending[i].ObservedAt.Equal(it.pending[j].ObservedAt) {
			return it.pending[i].ObservedAt.Before(it.pending[j].ObservedAt)
		}
		return positions[it.pending[i].Key()] < positions[it.pending[j].Key()]
	})
	return nil
}

func (it *Iterator) scan() (models.JoinRecord, bool) {
	for it.scanner.Scan() {
		line := it.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record models.JoinRecord
		err := json.Unmarshal(line, &record)
		if err != nil {
			it.err = errors.Wrap(err, "decoding join record failed")
			return record, false
		}
		if it.filter.Match(record) {
			return record, true
		}
	}
	if err := it.scanner.Err(); err != nil {
		it.err = errors.Wrap(err, "reading join log failed")
	}
	return models.JoinRecord{}, false
}
