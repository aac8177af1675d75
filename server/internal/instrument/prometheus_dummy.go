// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build noprometheus
// +build noprometheus

package instrument

import "net/http"

// Init does nothing
func Init() {}

// Handler returns a handler that always responds 404.
func Handler() http.Handler { return http.NotFoundHandler() }

// PacketsReceived does nothing
func PacketsReceived() {}

// PacketsDropped does nothing
func PacketsDropped() {}

// PacketsForwarded does nothing
func PacketsForwarded() {}

// PacketsDelivered does nothing
func PacketsDelivered(msgType string) {}

// IngressQueue does nothing
func IngressQueue(size int) {}

// Ceremony does nothing
func Ceremony(kind, outcome string) {}

// Signature does nothing
func Signature(outcome string) {}

// MembershipChurn does nothing
func MembershipChurn(n int) {}

// CircuitRotated does nothing
func CircuitRotated() {}
