// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// logging functions and the heap check diagnostic sink

import (
	"fmt"

	"github.com/intuitivelabs/slog"
)

// internal constants
const (
	pDBG   = "DBG: " + NAME + ": "
	pWARN  = "WARNING: " + NAME + ": "
	pERR   = "ERROR: " + NAME + ": "
	pBUG   = "BUG: " + NAME + ": "
	pCHECK = "CHECK: " + NAME + ": "
	pPANIC = NAME + ": "
)

// Log is the generic log
var Log slog.Log = slog.New(slog.LDBG, slog.LbackTraceS|slog.LlocInfoS,
	slog.LStdErr)

// DBGon() is a shorthand for checking if logging at LDBG level is enabled.
func DBGon() bool {
	return Log.L(slog.LDBG)
}

// DBG is a shorthand for logging a debug message.
func DBG(f string, a ...interface{}) {
	Log.LLog(slog.LDBG, 1, pDBG, f, a...)
}

// WARNon() is a shorthand for checking if logging at LWARN level is enabled
func WARNon() bool {
	return Log.WARNon()
}

// WARN is a shorthand for logging a warning message.
func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, pWARN, f, a...)
}

// ERRon() is a shorthand for checking if logging at LERR level is enabled.
func ERRon() bool {
	return Log.ERRon()
}

// ERR is a shorthand for logging an error message.
func ERR(f string, a ...interface{}) {
	Log.LLog(slog.LERR, 1, pERR, f, a...)
}

// BUG is a shorthand for logging a bug message.
func BUG(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, pBUG, f, a...)
}

// PANIC is a shorthand for log + panic.
func PANIC(f string, a ...interface{}) {
	s := fmt.Sprintf(pPANIC+f, a...)
	Log.LLog(slog.LBUG, 1, "", "%s", s)
	panic(s)
}

// DiagSink receives the output of the heap checker.
// Implementations must not fail the caller.
type DiagSink interface {
	WriteDiagnostic(msg string)
}

// DiagFunc adapts a plain function to a DiagSink.
type DiagFunc func(msg string)

// WriteDiagnostic calls f(msg).
func (f DiagFunc) WriteDiagnostic(msg string) { f(msg) }

// logSink is the default DiagSink, it writes to Log.
type logSink struct{}

func (logSink) WriteDiagnostic(msg string) {
	Log.LLog(slog.LWARN, 0, pCHECK, "%s\n", msg)
}

// diag formats a message and sends it to the configured sink.
func (bt *BTMalloc) diag(f string, a ...interface{}) {
	sink := bt.sink
	if sink == nil {
		sink = logSink{}
	}
	sink.WriteDiagnostic(fmt.Sprintf(f, a...))
}

// SetDiagSink replaces the heap checker output sink.
// A nil sink restores the default (Log).
func (bt *BTMalloc) SetDiagSink(s DiagSink) {
	bt.sink = s
}
