package model

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

var allStatuses = []Status{StatusIssued, StatusActive, StatusExpired, StatusRevoked}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusIssued, StatusActive, true},
		{StatusIssued, StatusRevoked, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusRevoked, true},
		{StatusIssued, StatusExpired, false},
		{StatusActive, StatusIssued, false},
		{StatusActive, StatusActive, false},
		{StatusExpired, StatusActive, false},
		{StatusExpired, StatusRevoked, false},
		{StatusRevoked, StatusActive, false},
		{StatusRevoked, StatusIssued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

// 任意迁移序列只能沿允许的路径前进
func TestStatusTransitionsAreMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	rank := map[Status]int{StatusIssued: 0, StatusActive: 1, StatusExpired: 2, StatusRevoked: 2}

	properties.Property("status never moves backwards", prop.ForAll(
		func(steps []int) bool {
			current := StatusIssued
			for _, step := range steps {
				next := allStatuses[step]
				if !CanTransition(current, next) {
					continue
				}
				if rank[next] <= rank[current] {
					return false
				}
				current = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allStatuses)-1)),
	))

	properties.Property("terminal statuses accept no transition", prop.ForAll(
		func(from, to int) bool {
			s := allStatuses[from]
			if !s.Terminal() {
				return true
			}
			return !CanTransition(s, allStatuses[to])
		},
		gen.IntRange(0, len(allStatuses)-1),
		gen.IntRange(0, len(allStatuses)-1),
	))

	properties.TestingRun(t)
}

func TestLicenseKeyConsistent(t *testing.T) {
	user := "42"

	assert.True(t, (&LicenseKey{Status: StatusIssued}).Consistent())
	assert.False(t, (&LicenseKey{Status: StatusIssued, AssignedUserID: &user}).Consistent())
	assert.True(t, (&LicenseKey{Status: StatusActive, AssignedUserID: &user}).Consistent())
	assert.False(t, (&LicenseKey{Status: StatusActive}).Consistent())
	assert.True(t, (&LicenseKey{Status: StatusRevoked}).Consistent())
}

func TestLicenseKeyLapsed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&LicenseKey{ValidUntil: &past}).Lapsed(now))
	assert.False(t, (&LicenseKey{ValidUntil: &future}).Lapsed(now))
	assert.False(t, (&LicenseKey{}).Lapsed(now), "lifetime keys never lapse")
}
