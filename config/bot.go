package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// BotDifficulty affects reaction time and decision quality
type BotDifficulty int

const (
	BotDifficultyEasy BotDifficulty = iota
	BotDifficultyNormal
	BotDifficultyHard
)

func (d BotDifficulty) String() string {
	switch d {
	case BotDifficultyEasy:
		return "easy"
	case BotDifficultyNormal:
		return "normal"
	case BotDifficultyHard:
		return "hard"
	default:
		return "unknown"
	}
}

// ParseBotDifficulty accepts the names produced by String.
func ParseBotDifficulty(s string) (BotDifficulty, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "easy":
		return BotDifficultyEasy, nil
	case "", "normal":
		return BotDifficultyNormal, nil
	case "hard":
		return BotDifficultyHard, nil
	}
	return 0, eris.Errorf("unknown bot difficulty %q", s)
}

// BotDifficultyConfig holds tuning values for bot behavior at a specific difficulty
type BotDifficultyConfig struct {
	ReactionDelay    int     // Ticks between decisions
	JumpRange        float64 // Distance to jump at a target
	ChaseRange       float64 // Distance to start chasing
	RetreatThreshold float64 // Health fraction to start retreating
	WanderTicks      int     // Ticks to keep a wander direction
}

// BotConfigData holds all bot-related configuration
type BotConfigData struct {
	Difficulties map[BotDifficulty]BotDifficultyConfig
}

// Bot holds headless client bot configuration
var Bot BotConfigData

func init() {
	Bot = BotConfigData{
		Difficulties: map[BotDifficulty]BotDifficultyConfig{
			BotDifficultyEasy: {
				ReactionDelay:    15,
				JumpRange:        40.0,
				ChaseRange:       150.0,
				RetreatThreshold: 0.2,
				WanderTicks:      90,
			},
			BotDifficultyNormal: {
				ReactionDelay:    8,
				JumpRange:        50.0,
				ChaseRange:       300.0,
				RetreatThreshold: 0.3,
				WanderTicks:      60,
			},
			BotDifficultyHard: {
				ReactionDelay:    3,
				JumpRange:        60.0,
				ChaseRange:       500.0,
				RetreatThreshold: 0.15, // hard bots commit longer
				WanderTicks:      30,
			},
		},
	}
}

// For returns the tuning for d, falling back to normal.
func (b BotConfigData) For(d BotDifficulty) BotDifficultyConfig {
	if c, ok := b.Difficulties[d]; ok {
		return c
	}
	return b.Difficulties[BotDifficultyNormal]
}
