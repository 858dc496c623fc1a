// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package logging is a singleton log writer. Writes to stdout, and optionally to a file.
// Does not add prefixes, or force newlines.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// The optional additional file to log into
var logFile *bufio.Writer
var logFileOS *os.File

// Guards logFile, as mesh and measurement workers log concurrently
var logMutex sync.Mutex

// Enables logging to file
func LogAlsoToFile(fileName string) (err error) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		if err = logFile.Flush(); err != nil {
			return err
		}
		if err = logFileOS.Close(); err != nil {
			return err
		}
	}
	logFileOS, err = os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	logFile = bufio.NewWriter(logFileOS)
	return nil
}

func LogPrint(args ...interface{}) (n int, err error) {
	return Writer().Write([]byte(fmt.Sprint(args...)))
}

func LogPrintln(args ...interface{}) (n int, err error) {
	return Writer().Write([]byte(fmt.Sprintln(args...)))
}

func LogPrintf(format string, args ...interface{}) (n int, err error) {
	return Writer().Write([]byte(fmt.Sprintf(format, args...)))
}

func LogFatal(args ...interface{}) {
	LogPrintln(args...)
	closeFile()
	os.Exit(1)
}

func LogFatalf(format string, args ...interface{}) {
	LogPrintf(format, args...)
	closeFile()
	os.Exit(1)
}

func LogSync() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile == nil {
		return
	}
	logFile.Flush()
	logFileOS.Sync()
}

func closeFile() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile == nil {
		return
	}
	logFile.Flush()
	logFileOS.Close()
	logFile, logFileOS = nil, nil
}

// Returns an io.Writer which tees into stdout and the optional log file.
// Each Write call is emitted atomically
func Writer() io.Writer { return teeWriter{} }

type teeWriter struct{}

func (teeWriter) Write(p []byte) (n int, err error) {
	logMutex.Lock()
	defer logMutex.Unlock()
	n, err = os.Stdout.Write(p)
	if err != nil || logFile == nil {
		return n, err
	}
	return logFile.Write(p)
}

// Discard is the writer to pass to components which should stay silent
var Discard io.Writer = io.Discard
