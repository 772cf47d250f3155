// Package nlog is the agent's logger: leveled (Info/Warning/Error),
// file:line-tagged, with an explicit Flush used before a fatal exit.
// Trimmed from the teacher's double-buffered glog-style cmn/nlog (no
// rotation, no background flush goroutine) since the edge agent logs at a
// far lower rate than a storage cluster node.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const sevChar = "IWE"

var (
	mu          sync.Mutex
	out         io.Writer = os.Stderr
	minSeverity           = sevInfo
)

// SetOutput redirects all log lines; tests typically pass a bytes.Buffer.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

// SetQuiet raises the minimum severity to Warning, suppressing Info lines;
// used by components that log per-record (e.g. stream prune) to avoid
// flooding a vehicle's local disk.
func SetQuiet(quiet bool) {
	mu.Lock()
	if quiet {
		minSeverity = sevWarn
	} else {
		minSeverity = sevInfo
	}
	mu.Unlock()
}

func InfoDepth(depth int, args ...any)    { logf(sevInfo, depth+1, "", args...) }
func Infoln(args ...any)                  { logf(sevInfo, 1, "", args...) }
func Infof(format string, args ...any)    { logf(sevInfo, 1, format, args...) }
func WarningDepth(depth int, args ...any) { logf(sevWarn, depth+1, "", args...) }
func Warningln(args ...any)               { logf(sevWarn, 1, "", args...) }
func Warningf(format string, args ...any) { logf(sevWarn, 1, format, args...) }
func ErrorDepth(depth int, args ...any)   { logf(sevErr, depth+1, "", args...) }
func Errorln(args ...any)                 { logf(sevErr, 1, "", args...) }
func Errorf(format string, args ...any)   { logf(sevErr, 1, format, args...) }

// Flush is a no-op placeholder kept for symmetry with the teacher's nlog
// (which flushes buffered writers); os.Stderr and caller-supplied writers
// here are unbuffered, so there is nothing to drain. exit is accepted so
// call sites read the same as the teacher's `nlog.Flush(true)` before exit.
func Flush(exit ...bool) { _ = exit }

func logf(sev severity, depth int, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if sev < minSeverity {
		return
	}
	var b strings.Builder
	writeHeader(&b, sev, depth+1)
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	io.WriteString(out, b.String())
}

func writeHeader(b *strings.Builder, sev severity, depth int) {
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(file, filepath.Separator); idx >= 0 {
			file = file[idx+1:]
		}
		b.WriteString(file)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(line))
		b.WriteByte(' ')
	}
}
