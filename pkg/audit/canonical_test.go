package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canonicalFixture() *Event {
	return &Event{
		EventID:   "c-1",
		EventType: EventTypeDataAccess,
		Action:    "orders.read",
		Outcome:   OutcomeSuccess,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		ActorID:   "user-1",
		Metadata:  map[string]string{"b": "2", "a": "1"},
	}
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	first, err := CanonicalBytes(canonicalFixture(), "prev")
	require.NoError(t, err)

	// Same fields, different metadata insertion order.
	other := canonicalFixture()
	other.Metadata = map[string]string{"a": "1", "b": "2"}
	second, err := CanonicalBytes(other, "prev")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCanonicalBytesNormalizesUnicode(t *testing.T) {
	composed := canonicalFixture()
	composed.Action = "caf\u00e9.read"

	decomposed := canonicalFixture()
	decomposed.Action = "cafe\u0301.read"

	a, err := ComputeEventHash(composed, "", DefaultHashFunction)
	require.NoError(t, err)
	b, err := ComputeEventHash(decomposed, "", DefaultHashFunction)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashDependsOnPreviousHash(t *testing.T) {
	e := canonicalFixture()
	a, err := ComputeEventHash(e, "", DefaultHashFunction)
	require.NoError(t, err)
	b, err := ComputeEventHash(e, "prev", DefaultHashFunction)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashDependsOnTimestampPrecision(t *testing.T) {
	e := canonicalFixture()
	a, err := ComputeEventHash(e, "", DefaultHashFunction)
	require.NoError(t, err)

	e.Timestamp = e.Timestamp.Add(time.Nanosecond)
	b, err := ComputeEventHash(e, "", DefaultHashFunction)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDefaultHashFunctionIsSHA256Hex(t *testing.T) {
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		DefaultHashFunction([]byte("abc")))
}
