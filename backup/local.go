package backup

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LocalFile is the local tier: one JSON file replaced atomically on every write.
type LocalFile struct {
	path string
}

func NewLocalFile(path string) *LocalFile {
	return &LocalFile{path: path}
}

func (l *LocalFile) Path() string {
	return l.path
}

// Save writes the payload to a temporary file next to the target and renames it into place.
func (l *LocalFile) Save(payload models.BackupPayload) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return errors.Wrap(err, "creating backup directory failed")
	}

	tmp, err := ioutil.TempFile(dir, filepath.Base(l.path)+".tmp-")
	if err != nil {
		return errors.Wrap(err, "creating temporary backup file failed")
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrap(err, "writing temporary backup file failed")
	}

	err = os.Rename(tmp.Name(), l.path)
	return errors.Wrap(err, "replacing backup file failed")
}

// Load reads the payload, found is false if no backup was written yet.
func (l *LocalFile) Load() (payload models.BackupPayload, found bool, err error) {
	data, err := ioutil.ReadFile(l.path)
	if os.IsNotExist(err) {
		return payload, false, nil
	}
	if err != nil {
		return payload, false, errors.Wrap(err, "reading backup file failed")
	}

	payload, err = decodePayload(data)
	if err != nil {
		return payload, false, err
	}
	return payload, true, nil
}

func encodePayload(payload models.BackupPayload) ([]byte, error) {
	data, err := json.Marshal(payload)
	return data, errors.Wrap(err, "encoding backup payload failed")
}

func decodePayload(data []byte) (payload models.BackupPayload, err error) {
	err = json.Unmarshal(data, &payload)
	if err != nil {
		return payload, errors.Wrap(err, "decoding backup payload failed")
	}
	if payload.Version > models.BackupPayloadVersion {
		return payload, errors.Errorf("backup payload version %d is newer than supported version %d",
			payload.Version, models.BackupPayloadVersion)
	}
	return payload, nil
}
