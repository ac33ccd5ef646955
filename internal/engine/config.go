package engine

import (
	"time"

	"github.com/mockmatch/mockmatch-client/internal/conn"
)

// Config tunes the engine loop and its transport.
type Config struct {
	// TickInterval is the fixed recomputation tick for remaining time.
	TickInterval time.Duration `yaml:"tick_interval"`
	// GracePeriod bounds how long the engine waits for a server transition
	// message after the local condition for it is already met.
	GracePeriod time.Duration `yaml:"grace_period"`
	// SendRetryDelay is the single-retry delay for a send attempted while
	// the connection was not open.
	SendRetryDelay time.Duration `yaml:"send_retry_delay"`
	// QuestionWait is how long a content-less question phase waits before
	// sending request_question.
	QuestionWait time.Duration `yaml:"question_wait"`
	// DedupeWindow is the duplicate-suppression window.
	DedupeWindow time.Duration `yaml:"dedupe_window"`

	Conn conn.Config `yaml:"connection"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:   250 * time.Millisecond,
		GracePeriod:    2 * time.Second,
		SendRetryDelay: 500 * time.Millisecond,
		QuestionWait:   time.Second,
		DedupeWindow:   3 * time.Second,
		Conn:           conn.DefaultConfig(),
	}
}
