package license

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStatus(t *testing.T) {
	past := testNow.Add(-time.Second)
	future := testNow.Add(time.Hour)

	tests := []struct {
		name string
		rec  Record
		want Result
	}{
		{"valid unbounded", Record{Active: true}, ResultValid},
		{"valid below limit", Record{Active: true, UsageCount: 2, MaxUsage: u64(3)}, ResultValid},
		{"usage exhausted", Record{Active: true, UsageCount: 3, MaxUsage: u64(3)}, ResultUsageExceeded},
		{"expired at the instant", Record{Active: true, ExpiresAt: &testNow}, ResultExpired},
		{"expired before usage", Record{Active: true, ExpiresAt: &past, UsageCount: 3, MaxUsage: u64(3)}, ResultExpired},
		{"not yet expired", Record{Active: true, ExpiresAt: &future}, ResultValid},
		{"revoked before everything", Record{Active: false, ExpiresAt: &past, UsageCount: 9, MaxUsage: u64(1)}, ResultRevoked},
		{"zero max usage", Record{Active: true, MaxUsage: u64(0)}, ResultUsageExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Status(testNow))
		})
	}
}

func TestRecordRemaining(t *testing.T) {
	assert.Nil(t, Record{}.Remaining())
	assert.Equal(t, uint64(2), *Record{UsageCount: 1, MaxUsage: u64(3)}.Remaining())
	assert.Zero(t, *Record{UsageCount: 5, MaxUsage: u64(3)}.Remaining())
}

func TestCanonicalIsStable(t *testing.T) {
	a := sampleRecord("DEF-00000001-00000000-00000000", testNow)
	a.Metadata = map[string]string{"b": "2", "a": "1", "c": "3"}
	b := a.Clone()
	b.Metadata = map[string]string{"c": "3", "a": "1", "b": "2"}
	b.Signature = []byte("different")
	b.Integrity = "different"
	b.Revision = 42

	ca, err := a.Canonical()
	require.NoError(t, err)
	cb, err := b.Canonical()
	require.NoError(t, err)
	assert.Equal(t, ca, cb, "signature, integrity and revision are outside the signed form")
	assert.Contains(t, string(ca), `"metadata":{"a":"1","b":"2","c":"3"}`)
	assert.Contains(t, string(ca), `"usage_count":"2"`)
	assert.NotContains(t, string(ca), "signature")

	c := a.Clone()
	c.UsageCount++
	cc, err := c.Canonical()
	require.NoError(t, err)
	assert.NotEqual(t, ca, cc)
}

func TestCanonicalDistinguishesNilAndEmptyLimits(t *testing.T) {
	unbounded := Record{ID: "x"}
	zero := Record{ID: "x", MaxUsage: u64(0)}
	cu, err := unbounded.Canonical()
	require.NoError(t, err)
	cz, err := zero.Canonical()
	require.NoError(t, err)
	assert.NotEqual(t, cu, cz)
}

func TestSigner(t *testing.T) {
	c := testCombiner(t)
	s := testSigner(t, c, 3)

	rec := sampleRecord("DEF-00000001-00000000-00000000", testNow)
	require.NoError(t, s.Seal(&rec))
	assert.Len(t, rec.Signature, 64)
	integrity, err := hex.DecodeString(rec.Integrity)
	require.NoError(t, err)
	assert.Len(t, integrity, 32)
	assert.True(t, s.Verify(rec))

	t.Run("same key", func(t *testing.T) {
		again := testSigner(t, c, 3)
		assert.True(t, again.Verify(rec))
		assert.True(t, s.Equal(again))
		assert.Equal(t, s.PublicKeyHex(), again.PublicKeyHex())
	})

	t.Run("other key", func(t *testing.T) {
		other := testSigner(t, c, 4)
		assert.False(t, other.Verify(rec))
		assert.False(t, s.Equal(other))
	})

	t.Run("missing signature", func(t *testing.T) {
		bare := rec.Clone()
		bare.Signature = nil
		assert.False(t, s.Verify(bare))
	})

	t.Run("garbage integrity", func(t *testing.T) {
		bad := rec.Clone()
		bad.Integrity = "zz"
		assert.False(t, s.Verify(bad))
	})
}

func TestNewSignerValidation(t *testing.T) {
	c := testCombiner(t)
	_, err := NewSigner([]byte{1, 2, 3}, c)
	assert.Error(t, err)
	_, err = NewSigner(make([]byte, SeedSize), nil)
	assert.Error(t, err)
	_, err = NewSignerFromHex("not-hex", c)
	assert.Error(t, err)

	seed, err := GenerateSeed()
	require.NoError(t, err)
	s, err := NewSignerFromHex(hex.EncodeToString(seed), c)
	require.NoError(t, err)
	assert.Len(t, s.PublicKey(), 32)
}

func TestKeyFormat(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"DEF-0123ABCD-4567EF01-89ABCDEF", true},
		{"X-00000000-00000000-00000000", true},
		{"ACME2024-00000000-00000000-00000000", true},
		{"def-0123abcd-4567ef01-89abcdef", false},
		{"DEF-0123ABCD-4567EF01", false},
		{"DEF-0123ABCG-4567EF01-89ABCDEF", false},
		{"1EF-0123ABCD-4567EF01-89ABCDEF", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidKeyFormat(tt.key))
		})
	}

	assert.Equal(t, "DEF-0123ABCD-4567EF01-89ABCDEF", NormalizeKey(" def-0123abcd-4567ef01-89abcdef "))
	sum, _ := hex.DecodeString("0123abcd4567ef0189abcdef00112233")
	assert.Equal(t, "DEF-0123ABCD-4567EF01-89ABCDEF", formatKey("DEF", sum))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "DEF-0123ABCD-****-****", MaskKey("DEF-0123ABCD-4567EF01-89ABCDEF"))
	assert.Equal(t, "abcdefgh****", MaskKey("abcdefghijk"))
	assert.Equal(t, "****", MaskKey("abc"))
}
