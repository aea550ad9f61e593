package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Failed open limits: 5 attempts -> 30s, 10 attempts -> 5min, 20 attempts -> 30min
const (
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30 * time.Second
	CooldownDuration2  = 5 * time.Minute
	CooldownDuration3  = 30 * time.Minute
)

// AttemptState tracks failed opens of a store file
type AttemptState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
}

// LoadAttemptState reads the failed-open state kept next to the store at path.
func LoadAttemptState(path string) (*AttemptState, error) {
	data, err := os.ReadFile(path + AttemptsSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return &AttemptState{}, nil
		}
		return nil, fmt.Errorf("vault: failed to read attempt state: %w", err)
	}

	var state AttemptState
	if err := json.Unmarshal(data, &state); err != nil {
		// corrupted state file starts over
		return &AttemptState{}, nil
	}
	return &state, nil
}

func saveAttemptState(path string, state *AttemptState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal attempt state: %w", err)
	}
	if err := os.WriteFile(path+AttemptsSuffix, data, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write attempt state: %w", err)
	}
	return nil
}

func clearAttempts(path string) error {
	err := os.Remove(path + AttemptsSuffix)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: failed to clear attempt state: %w", err)
	}
	return nil
}

// checkCooldown returns ErrCooldownActive and the time left while a
// cooldown is running.
func checkCooldown(path string, now time.Time) (time.Duration, error) {
	state, err := LoadAttemptState(path)
	if err != nil {
		return 0, err
	}

	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), ErrCooldownActive
	}
	return 0, nil
}

// recordFailedAttempt counts a failed open and returns the cooldown it
// triggered, if any.
func recordFailedAttempt(path string, now time.Time) (time.Duration, error) {
	state, err := LoadAttemptState(path)
	if err != nil {
		return 0, err
	}

	state.FailedAttempts++
	state.LastAttempt = now

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
	}

	if err := saveAttemptState(path, state); err != nil {
		return cooldown, err
	}
	return cooldown, nil
}
