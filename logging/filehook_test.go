package logging

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestFileHookWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	hook, err := NewLogrusFileHook(path, logrus.InfoLevel)
	if err != nil {
		t.Fatalf("logging.NewLogrusFileHook() returned error %s", err)
	}

	log := logrus.New()
	log.Out = ioutil.Discard
	log.Level = logrus.DebugLevel
	log.Hooks.Add(hook)

	log.WithField("module", "test").Info("kept")
	log.Debug("dropped")
	hook.Close()

	data, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file failed: %s", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"msg":"kept"`) || !strings.Contains(lines[0], `"module":"test"`) {
		t.Fatalf("log file contains %q", string(data))
	}
}
