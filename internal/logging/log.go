// Package logging is a small leveled logger over the standard log
// package, with the output wrapped in github.com/mattn/go-colorable so
// the ANSI color codes still render on Windows consoles.
package logging

import (
	"fmt"
	"io"
	"log"

	"github.com/mattn/go-colorable"
)

// ANSI color codes.
const (
	Reset   = "\033[0m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Cyan    = "\033[36m"
	Magenta = "\033[35m"
	White   = "\033[97m"
)

type Level int

const (
	LevelError Level = 0
	LevelWarn  Level = 1
	LevelInfo  Level = 2
	LevelDebug Level = 3
)

var level = LevelInfo

func init() {
	log.SetOutput(colorable.NewColorableStdout())
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
}

// SetLevel changes the process-wide log level switch.
func SetLevel(l Level) { level = l }

// SetOutput redirects log output, for example to a file in addition to
// the console (via io.MultiWriter).
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// SetLogFile tees output to both the console and logFile.
func SetLogFile(logFile io.Writer) {
	SetOutput(io.MultiWriter(colorable.NewColorableStdout(), logFile))
}

func prefix(tag string) string { return fmt.Sprintf("[%s]", tag) }

func Fatalf(format string, args ...interface{}) { log.Fatalf(format, args...) }
func Fatal(args ...interface{})                 { log.Fatal(args...) }

func Debugf(format string, args ...interface{}) {
	if level >= LevelDebug {
		log.Printf(Cyan+prefix("DEBUG")+" "+format+Reset, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if level >= LevelInfo {
		log.Printf(White+prefix("INFO")+" "+format+Reset, args...)
	}
}

// Successf prints in green, for events like a block being found.
func Successf(format string, args ...interface{}) {
	if level >= LevelInfo {
		log.Printf(Green+prefix("SUCCESS")+" "+format+Reset, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if level >= LevelWarn {
		log.Printf(Yellow+prefix("WARN")+" "+format+Reset, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if level >= LevelError {
		log.Printf(Red+prefix("ERROR")+" "+format+Reset, args...)
	}
}
