// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCollectorRecordsRatchetOperations(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordEncrypt(2 * time.Millisecond)
	mc.RecordDecrypt(true, time.Millisecond)
	mc.RecordDecrypt(false, time.Millisecond)

	snap := mc.GetSnapshot()
	assert.Equal(t, int64(1), snap.RatchetEncryptCount)
	assert.Equal(t, int64(2), snap.RatchetDecryptCount)
	assert.Equal(t, int64(1), snap.DecryptFailures)
	assert.InDelta(t, 50.0, snap.GetDecryptFailureRate(), 0.01)
}

func TestMetricsCollectorRecordsLighthouseActivity(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordLighthouseLookup(true, time.Millisecond)
	mc.RecordLighthouseLookup(false, time.Millisecond)
	mc.RecordLighthouseCall(true, 5*time.Millisecond)
	mc.RecordLighthouseCall(false, 5*time.Millisecond)

	snap := mc.GetSnapshot()
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.InDelta(t, 50.0, snap.GetCacheHitRate(), 0.01)
	assert.InDelta(t, 50.0, snap.GetLighthouseErrorRate(), 0.01)
}

func TestMetricsCollectorReset(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordEncrypt(time.Millisecond)
	mc.RecordReassemblyTimeout()
	mc.Reset()

	snap := mc.GetSnapshot()
	assert.Zero(t, snap.RatchetEncryptCount)
	assert.Zero(t, snap.ReassemblyTimeouts)
}

func TestGetGlobalCollectorReturnsSingleton(t *testing.T) {
	assert.Same(t, GetGlobalCollector(), GetGlobalCollector())
}
