// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	if HandshakesInitiated == nil {
		t.Error("HandshakesInitiated metric is nil")
	}
	if HandshakesCompleted == nil {
		t.Error("HandshakesCompleted metric is nil")
	}
	if HandshakesFailed == nil {
		t.Error("HandshakesFailed metric is nil")
	}
	if HandshakeDuration == nil {
		t.Error("HandshakeDuration metric is nil")
	}

	if SessionsCreated == nil {
		t.Error("SessionsCreated metric is nil")
	}
	if SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if SessionDuration == nil {
		t.Error("SessionDuration metric is nil")
	}
	if SessionMessageSize == nil {
		t.Error("SessionMessageSize metric is nil")
	}

	if CryptoOperations == nil {
		t.Error("CryptoOperations metric is nil")
	}
	if CryptoErrors == nil {
		t.Error("CryptoErrors metric is nil")
	}
	if CryptoOperationDuration == nil {
		t.Error("CryptoOperationDuration metric is nil")
	}

	if MessagesProcessed == nil {
		t.Error("MessagesProcessed metric is nil")
	}
	if NonceValidations == nil {
		t.Error("NonceValidations metric is nil")
	}
}

func TestMetricsIncrement(t *testing.T) {
	HandshakesInitiated.WithLabelValues("initiator").Inc()
	HandshakesCompleted.WithLabelValues("success").Inc()
	HandshakesFailed.WithLabelValues("duplicate_peer").Inc()
	HandshakeDuration.WithLabelValues("establish").Observe(0.05)

	SessionsCreated.WithLabelValues("initiator").Inc()
	SessionsActive.Inc()
	SessionDuration.WithLabelValues("encrypt").Observe(0.001)
	SessionMessageSize.WithLabelValues("outbound").Observe(1024)

	CryptoOperations.WithLabelValues("sign", "ed25519").Inc()
	CryptoOperations.WithLabelValues("encrypt", "chacha20poly1305").Inc()
	NonceValidations.WithLabelValues("valid").Inc()
	MessagesProcessed.WithLabelValues("gossip", "success").Inc()

	if count := testutil.CollectAndCount(HandshakesInitiated); count == 0 {
		t.Error("HandshakesInitiated has no metrics collected")
	}
	if count := testutil.CollectAndCount(SessionsCreated); count == 0 {
		t.Error("SessionsCreated has no metrics collected")
	}
	if count := testutil.CollectAndCount(CryptoOperations); count == 0 {
		t.Error("CryptoOperations has no metrics collected")
	}
}
