package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignals() Signals {
	return Signals{
		Platform:   "android",
		OSVersion:  "14",
		Model:      "Pixel 8",
		Locale:     "en_US",
		Timezone:   "Europe/Berlin",
		ScreenSize: "1080x2400",
	}
}

func TestDeviceIDStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	p1 := NewProvider(dir, testSignals(), true, "")
	id1 := p1.DeviceID()
	require.NotEmpty(t, id1)
	assert.Equal(t, id1, p1.DeviceID())

	// A fresh provider over the same state dir sees the same id.
	p2 := NewProvider(dir, testSignals(), true, "")
	assert.Equal(t, id1, p2.DeviceID())
}

func TestDeviceIDWithoutStateDir(t *testing.T) {
	p := NewProvider("", testSignals(), true, "")
	id := p.DeviceID()
	require.NotEmpty(t, id)
	assert.Equal(t, id, p.DeviceID())
}

func TestFingerprintDeterministic(t *testing.T) {
	p := NewProvider("", testSignals(), true, "")
	fp1 := p.Fingerprint()
	fp2 := p.Fingerprint()

	require.NotEmpty(t, fp1)
	assert.Equal(t, fp1, fp2)

	changed := testSignals()
	changed.OSVersion = "15"
	p2 := NewProvider("", changed, true, "")
	assert.NotEqual(t, fp1, p2.Fingerprint())
}

func TestFingerprintDegradesWithMissingSignals(t *testing.T) {
	narrow := Signals{Platform: "ios"}
	p := NewProvider("", narrow, true, "")

	fp := p.Fingerprint()
	assert.NotEmpty(t, fp)

	full := NewProvider("", testSignals(), true, "")
	assert.NotEqual(t, fp, full.Fingerprint())
}

func TestFingerprintDisabled(t *testing.T) {
	p := NewProvider("", testSignals(), false, "")
	assert.Empty(t, p.Fingerprint())
}

func TestTrustFlagsFromStaticSignals(t *testing.T) {
	s := testSignals()
	s.Emulator = true
	s.VPN = true
	p := NewProvider("", s, true, "")

	assert.True(t, p.IsEmulator())
	assert.True(t, p.IsVPN())
	assert.False(t, p.IsProxy())

	ctx := p.Context()
	assert.Equal(t, p.DeviceID(), ctx.DeviceID)
	assert.True(t, ctx.IsEmulator)
	assert.True(t, ctx.IsVPN)
	assert.Equal(t, "android", ctx.Platform)
}
