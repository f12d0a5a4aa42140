// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package xctrl collapses a family of loop early-exit idioms into generic
// helper functions. Go has no macro system, so these cannot transfer
// control the way the original's try_break!/try_continue!/maybe_break!/
// maybe_continue! macros did — a macro expands inline at the call site and
// can execute break/continue directly, while a Go function call cannot.
// Instead each helper returns (value, ok bool); the caller writes the
// break or continue explicitly:
//
//	v, ok := xctrl.SkipOnErr(readNext())
//	if !ok {
//	    continue
//	}
package xctrl

import (
	"github.com/sage-x-project/sage-net/internal/logger"
)

// SkipOnErr reports whether err is nil, standing in for try_break!/
// try_continue! (the caller decides which loop statement to execute).
func SkipOnErr[T any](v T, err error) (T, bool) {
	if err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

// SkipOnErrDebug behaves like SkipOnErr but logs msg at debug level when
// err is non-nil, standing in for try_break_debug!/try_continue_debug!.
func SkipOnErrDebug[T any](v T, err error, msg string) (T, bool) {
	if err != nil {
		logger.Debug(msg, logger.Error(err))
		var zero T
		return zero, false
	}
	return v, true
}

// SkipOnNone reports whether ok is true, standing in for maybe_break!/
// maybe_continue! over an Option-shaped (value, present) pair.
func SkipOnNone[T any](v T, ok bool) (T, bool) {
	if !ok {
		var zero T
		return zero, false
	}
	return v, true
}

// SkipOnNoneDebug behaves like SkipOnNone but logs msg at debug level
// when ok is false, standing in for maybe_break_debug!/maybe_continue_debug!.
func SkipOnNoneDebug[T any](v T, ok bool, msg string) (T, bool) {
	if !ok {
		logger.Debug(msg)
		var zero T
		return zero, false
	}
	return v, true
}
