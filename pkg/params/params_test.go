package params

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeKeyIsLowercasedAndJoined(t *testing.T) {
	p, err := NewString("Harvester", "CacheDir", "cache")
	require.NoError(t, err)
	assert.Equal(t, "harvester.cachedir", p.Composite())
}

func TestRegisterDeduplicatesByCompositeKey(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := NewBool("harvester", "forceHarvest", false)
	b, _ := NewBool("harvester", "forceHarvest", true)

	got1 := Register(r, a)
	got2 := Register(r, b)

	assert.Same(t, got1, got2)
	assert.False(t, got1.Get())
}

func TestSetCommitsOrPreservesOnFailure(t *testing.T) {
	r := NewRegistry(nil)
	p, _ := NewInt("harvester", "maxBatchSize", 100)
	Register(r, p)

	_, err := r.Set("harvester.maxbatchsize", "200")
	require.NoError(t, err)
	assert.Equal(t, 200, p.Get())

	_, err = r.Set("harvester.maxbatchsize", "not-an-int")
	assert.Error(t, err)
	assert.Equal(t, 200, p.Get())
}

func TestIntParameterSentinels(t *testing.T) {
	p, _ := NewInt("harvester", "limit", 0)
	_, err := p.SetFromString("max")
	require.NoError(t, err)
	assert.Equal(t, IntMax, p.Get())

	_, err = p.SetFromString("min")
	require.NoError(t, err)
	assert.Equal(t, IntMin, p.Get())
}

func TestRangedIntRejectsNegative(t *testing.T) {
	p, _ := NewRangedInt("harvester", "retries", 3)
	_, err := p.SetFromString("-1")
	assert.Error(t, err)
	assert.Equal(t, 3, p.Get())
}

func TestPasswordDisplayIsAlwaysMasked(t *testing.T) {
	p, _ := NewPassword("harvester", "apiKey", "s3cr3t")
	_, display := p.DisplaySnapshot()
	assert.Equal(t, "*****", display)
}

func TestURLParameterRequiresAbsoluteScheme(t *testing.T) {
	p, _ := NewURL("loader", "endpoint", "http://localhost:9200")
	_, err := p.SetFromString("/just/a/path")
	assert.Error(t, err)

	_, err = p.SetFromString("https://example.com/_bulk")
	assert.NoError(t, err)
}

func TestEnumRejectsValueOutsideAllowedSet(t *testing.T) {
	allowed := []string{"json", "ndjson"}
	p, _ := NewEnum("loader", "format", "json", func() []string { return allowed })

	_, err := p.SetFromString("xml")
	assert.Error(t, err)

	_, err = p.SetFromString("ndjson")
	assert.NoError(t, err)
}

func TestEnumAllowedSetIsReEvaluatedPerCall(t *testing.T) {
	allowed := []string{"a"}
	p, _ := NewEnum("loader", "mode", "a", func() []string { return allowed })

	_, err := p.SetFromString("b")
	assert.Error(t, err)

	allowed = []string{"a", "b"}
	_, err = p.SetFromString("b")
	assert.NoError(t, err)
}

func TestOverlayFromEnvironmentAppliesAndLogs(t *testing.T) {
	r := NewRegistry(nil)
	p, _ := NewString("harvester", "cacheDir", "cache")
	Register(r, p)

	require.NoError(t, os.Setenv("GERDI_HARVESTER_HARVESTER_CACHEDIR", "/tmp/cache"))
	defer os.Unsetenv("GERDI_HARVESTER_HARVESTER_CACHEDIR")

	r.OverlayFromEnvironment()
	assert.Equal(t, "/tmp/cache", p.Get())
}

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := NewString("cat", "first", "1")
	b, _ := NewString("cat", "second", "2")
	Register(r, a)
	Register(r, b)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "cat.first", snap[0].Composite)
	assert.Equal(t, "cat.second", snap[1].Composite)
}

func TestUnregisterClearsRegisteredFlagAndRemovesEntry(t *testing.T) {
	r := NewRegistry(nil)
	p, _ := NewBool("cat", "flag", true)
	Register(r, p)
	assert.True(t, p.IsRegistered())

	r.Unregister(p)
	assert.False(t, p.IsRegistered())
	assert.Empty(t, r.Snapshot())
}

func TestInvalidNameRejected(t *testing.T) {
	_, err := NewString("bad category!", "key", "")
	assert.Error(t, err)

	_, err = NewString("category", "bad key!", "")
	assert.Error(t, err)
}
