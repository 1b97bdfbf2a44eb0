// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	id, err := ParseID("1700000000000-5")
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000000000), id.Ms)
	assert.Equal(t, uint64(5), id.Seq)
	assert.Equal(t, "1700000000000-5", id.String())
}

func TestParseID_Malformed(t *testing.T) {
	for _, s := range []string{"", "123", "abc-1", "1-abc", "-", "1-2-3"} {
		_, err := ParseID(s)
		assert.Error(t, err, "expected parse failure for %q", s)
	}
}

func TestID_Less(t *testing.T) {
	assert.True(t, ID{Ms: 1, Seq: 0}.Less(ID{Ms: 2, Seq: 0}))
	assert.True(t, ID{Ms: 1, Seq: 0}.Less(ID{Ms: 1, Seq: 1}))
	assert.False(t, ID{Ms: 2, Seq: 0}.Less(ID{Ms: 1, Seq: 9}))
	assert.False(t, ID{Ms: 1, Seq: 1}.Less(ID{Ms: 1, Seq: 1}))
}

func TestID_Next_ClockAdvances(t *testing.T) {
	now := time.UnixMilli(2000)
	next := ID{Ms: 1000, Seq: 7}.Next(now)
	assert.Equal(t, ID{Ms: 2000, Seq: 0}, next)
}

func TestID_Next_ClockStalls(t *testing.T) {
	// Same millisecond bumps the sequence instead.
	now := time.UnixMilli(1000)
	next := ID{Ms: 1000, Seq: 7}.Next(now)
	assert.Equal(t, ID{Ms: 1000, Seq: 8}, next)
}

func TestID_Next_ClockMovesBackwards(t *testing.T) {
	// IDs never move backwards even if the wall clock does.
	now := time.UnixMilli(500)
	next := ID{Ms: 1000, Seq: 7}.Next(now)
	assert.Equal(t, ID{Ms: 1000, Seq: 8}, next)
}
