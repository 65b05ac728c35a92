// Package helpers carries the teacher's small set of process-wide
// concerns (logging, failure reporting) forward, generalized from a
// single-purpose submission server to this node's overlay/IPC domain.
package helpers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
)

// levelByName maps the named levels SPEC_FULL.md's GISTITD_LOG/--log-level
// accept onto logrus levels, replacing the teacher's raw numeric argv[1]
// level (ERROR(2)/INFO(4)/DEBUG(5)) with names a config file or env var
// can hold without memorizing the numbering.
var levelByName = map[string]log.Level{
	"panic": log.PanicLevel,
	"fatal": log.FatalLevel,
	"error": log.ErrorLevel,
	"warn":  log.WarnLevel,
	"info":  log.InfoLevel,
	"debug": log.DebugLevel,
	"trace": log.TraceLevel,
}

// InitLogger wires up logrus the way the teacher's InitLogger does: without
// a log file, split output with warning-and-above to stderr and
// info/debug/trace to stdout; with a log file that opens, every level goes
// to both the file and stdout, with no stderr split. The file comes from an
// explicit parameter rather than the teacher's LOG_FILE env var so
// cmd/gistitd can source it from config.Settings.
func InitLogger(levelName, logFile string) {
	if logFile != "" {
		logDir := filepath.Dir(logFile)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			fmt.Printf("Failed to create log directory: %v\n", err)
			logFile = ""
		} else {
			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
			if err != nil {
				fmt.Printf("Failed to open log file: %v\n", err)
				logFile = ""
			} else {
				log.SetOutput(io.MultiWriter(file, os.Stdout))
			}
		}
	}

	if logFile == "" {
		log.SetOutput(io.Discard)

		log.AddHook(&writer.Hook{
			Writer: os.Stderr,
			LogLevels: []log.Level{
				log.PanicLevel,
				log.FatalLevel,
				log.ErrorLevel,
				log.WarnLevel,
			},
		})
		log.AddHook(&writer.Hook{
			Writer: os.Stdout,
			LogLevels: []log.Level{
				log.TraceLevel,
				log.InfoLevel,
				log.DebugLevel,
			},
		})
	}

	log.SetReportCaller(true)
	log.SetLevel(resolveLevel(levelName))
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// resolveLevel honors an explicit level name, then GISTITD_LOG, then
// falls back to info rather than the teacher's debug default, since a
// node meant to run detached in the background should not be chatty by
// default.
func resolveLevel(levelName string) log.Level {
	if levelName == "" {
		levelName = os.Getenv("GISTITD_LOG")
	}
	levelName = strings.ToLower(strings.TrimSpace(levelName))
	if lvl, ok := levelByName[levelName]; ok {
		return lvl
	}
	return log.InfoLevel
}
