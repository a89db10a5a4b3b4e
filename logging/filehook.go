package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogrusFileHook writes every entry at or above its level to a file as JSON lines.
type LogrusFileHook struct {
	sync.Mutex
	file      *os.File
	level     logrus.Level
	formatter *logrus.JSONFormatter
}

func NewLogrusFileHook(file string, level logrus.Level) (*LogrusFileHook, error) {
	logFile, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}

	return &LogrusFileHook{
		file:      logFile,
		level:     level,
		formatter: &logrus.JSONFormatter{},
	}, nil
}

func (hook *LogrusFileHook) Fire(entry *logrus.Entry) error {
	line, err := hook.formatter.Format(entry)
	if err != nil {
		return err
	}

	hook.Lock()
	defer hook.Unlock()
	_, err = hook.file.Write(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to log file %s: %v\n", hook.file.Name(), err)
		return err
	}
	return nil
}

func (hook *LogrusFileHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		if level <= hook.level {
			levels = append(levels, level)
		}
	}
	return levels
}

func (hook *LogrusFileHook) Close() error {
	hook.Lock()
	defer hook.Unlock()
	return hook.file.Close()
}
