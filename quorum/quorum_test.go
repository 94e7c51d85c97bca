package quorum

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagmesh/config"
)

func testConfig() config.QuorumConfig {
	return config.QuorumConfig{
		DetectionWindow:    300 * time.Second,
		Cooldown:           600 * time.Second,
		StabilityThreshold: 0.8,
	}
}

func TestThreatLevelFractions(t *testing.T) {
	assert.Equal(t, 0.67, ThreatNormal.Fraction())
	assert.Equal(t, 0.75, ThreatElevated.Fraction())
	assert.Equal(t, 0.82, ThreatHigh.Fraction())

	assert.Less(t, ThreatNormal.Fraction(), ThreatElevated.Fraction(),
		"Quorum fraction must grow with the threat level")
	assert.Less(t, ThreatElevated.Fraction(), ThreatHigh.Fraction(),
		"Quorum fraction must grow with the threat level")
}

func TestRequiredVotesForTenNodes(t *testing.T) {
	mgr := NewManager(testConfig(), 10, nil)

	assert.Equal(t, 7, mgr.RequiredVotes(), "Normal level needs 7 of 10")
	assert.True(t, mgr.CheckQuorum(7))
	assert.False(t, mgr.CheckQuorum(6))

	mgr.level = ThreatElevated
	assert.Equal(t, 8, mgr.RequiredVotes(), "Elevated level needs 8 of 10")

	mgr.level = ThreatHigh
	assert.Equal(t, 9, mgr.RequiredVotes(), "High level needs 9 of 10")
}

func TestEvaluateUpgradesOnDetectionRate(t *testing.T) {
	mgr := NewManager(testConfig(), 100, nil)

	// 5 unique misbehaving nodes of 100 crosses the elevated rate
	for i := 0; i < 5; i++ {
		mgr.RecordDetection(fmt.Sprintf("node-%d", i), "invalid signature")
	}
	assert.Equal(t, ThreatElevated, mgr.EvaluateThreatLevel())

	// 15 unique nodes crosses the high rate; upgrade is immediate even
	// though the level just changed
	for i := 5; i < 15; i++ {
		mgr.RecordDetection(fmt.Sprintf("node-%d", i), "invalid signature")
	}
	assert.Equal(t, ThreatHigh, mgr.EvaluateThreatLevel())
}

func TestEvaluateUpgradesOnLowStability(t *testing.T) {
	mgr := NewManager(testConfig(), 100, nil)

	mgr.ReportStability(0.7, 0.7)
	assert.Equal(t, ThreatElevated, mgr.EvaluateThreatLevel(),
		"Stability below threshold should elevate")

	mgr.ReportStability(0.5, 0.5)
	assert.Equal(t, ThreatHigh, mgr.EvaluateThreatLevel(),
		"Stability far below threshold should go high")
}

func TestDowngradeWaitsForCooldown(t *testing.T) {
	mgr := NewManager(testConfig(), 100, nil)

	now := time.Now()
	mgr.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		mgr.RecordDetection(fmt.Sprintf("node-%d", i), "stale votes")
	}
	require.Equal(t, ThreatElevated, mgr.EvaluateThreatLevel())

	// Detections age out of the window, but the cooldown has not elapsed
	now = now.Add(301 * time.Second)
	assert.Equal(t, ThreatElevated, mgr.EvaluateThreatLevel(),
		"Downgrade before cooldown must not happen")

	// After the cooldown the downgrade applies
	now = now.Add(600 * time.Second)
	assert.Equal(t, ThreatNormal, mgr.EvaluateThreatLevel(),
		"Downgrade should apply once the cooldown has elapsed")
}

func TestUpgradeDuringCooldownIsImmediate(t *testing.T) {
	mgr := NewManager(testConfig(), 100, nil)

	now := time.Now()
	mgr.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		mgr.RecordDetection(fmt.Sprintf("node-%d", i), "conflicting votes")
	}
	require.Equal(t, ThreatElevated, mgr.EvaluateThreatLevel())

	// Seconds later conditions worsen; no cooldown applies to upgrades
	now = now.Add(5 * time.Second)
	for i := 5; i < 15; i++ {
		mgr.RecordDetection(fmt.Sprintf("node-%d", i), "conflicting votes")
	}
	assert.Equal(t, ThreatHigh, mgr.EvaluateThreatLevel(),
		"Upgrade must apply immediately, with no cooldown")
}

func TestPartitionPenaltyIsCapped(t *testing.T) {
	mgr := NewManager(testConfig(), 100, nil)

	mgr.RecordPartition(0.4)
	mgr.RecordPartition(0.4)
	assert.InDelta(t, 0.5, mgr.partitionPenalty, 1e-9, "Penalty should cap at 0.5")

	// Perfect uptime and latency minus the capped penalty
	assert.InDelta(t, 0.5, mgr.StabilityScore(), 1e-9)

	mgr.ClearPartitionPenalty()
	assert.InDelta(t, 1.0, mgr.StabilityScore(), 1e-9)
}

func TestDetectionRateCountsUniqueNodes(t *testing.T) {
	mgr := NewManager(testConfig(), 10, nil)

	// Same node misbehaving repeatedly is one unique detection
	mgr.RecordDetection("node-0", "spam")
	mgr.RecordDetection("node-0", "spam")
	mgr.RecordDetection("node-0", "spam")

	assert.InDelta(t, 0.1, mgr.DetectionRate(), 1e-9)
}
