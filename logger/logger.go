package logger

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

// ConsoleFilter filters logs for console output (only important messages)
type ConsoleFilter struct {
	writer io.Writer
}

// NewConsoleFilter creates a new console filter
func NewConsoleFilter(writer io.Writer) *ConsoleFilter {
	return &ConsoleFilter{writer: writer}
}

// Write filters messages and only writes important ones to console
func (cf *ConsoleFilter) Write(p []byte) (n int, err error) {
	logLine := string(p)

	if strings.Contains(logLine, "[ERROR]") ||
		strings.Contains(logLine, "[FATAL]") ||
		strings.Contains(logLine, "[PANIC]") ||
		strings.Contains(logLine, "[WARN]") ||
		(strings.Contains(logLine, "[INFO]") && (strings.Contains(logLine, "created") ||
			strings.Contains(logLine, "started") ||
			strings.Contains(logLine, "stopped") ||
			strings.Contains(logLine, "finalized") ||
			strings.Contains(logLine, "fork") ||
			strings.Contains(logLine, "sync") ||
			strings.Contains(logLine, "peer") ||
			strings.Contains(logLine, "quorum"))) {
		return cf.writer.Write(p)
	}

	// Return the length as if we wrote it (to avoid errors)
	return len(p), nil
}

// Log4jFormatter Custom log4j-like formatter
type Log4jFormatter struct{}

func (f *Log4jFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fileName string
	var funcName string
	var lineNum int

	if entry.HasCaller() {
		fileName = path.Base(entry.Caller.File)
		funcName = entry.Caller.Function
		lineNum = entry.Caller.Line

		// Extract just the function name (remove package path)
		if idx := strings.LastIndex(funcName, "."); idx >= 0 {
			funcName = funcName[idx+1:]
		}
	}

	// Format: YYYY-MM-DD HH:mm:ss.SSS [LEVEL] method(File:Line) - message
	logLine := fmt.Sprintf("%s [%s] %s(%s:%d) - %s",
		entry.Time.Format("2006-01-02 15:04:05.000"),
		strings.ToUpper(entry.Level.String()),
		funcName,
		fileName,
		lineNum,
		entry.Message,
	)

	if len(entry.Data) > 0 {
		logLine += " {"
		var fieldParts []string
		for k, v := range entry.Data {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, v))
		}
		logLine += strings.Join(fieldParts, ", ")
		logLine += "}"
	}

	return []byte(logLine + "\n"), nil
}

// Logger is the global logger instance
var Logger = logrus.New()

// L is a short alias for the global logger
var L = Logger

func init() {
	// Enable caller reporting for file/line info
	Logger.SetReportCaller(true)

	// Create console filter for important messages only
	consoleFilter := NewConsoleFilter(os.Stdout)

	// File rotation setup
	fileWriter := &lumberjack.Logger{
		Filename:   "logs/dagmesh.log",
		MaxSize:    100, // megabytes
		MaxBackups: 2,
		MaxAge:     30, // days
		Compress:   true,
	}

	Logger.Out = io.MultiWriter(consoleFilter, fileWriter)
	Logger.SetFormatter(&Log4jFormatter{})
	Logger.SetLevel(logrus.DebugLevel)
}
