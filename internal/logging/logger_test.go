package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestInitParsesLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Init(Config{Level: "DEBUG", Format: "json"})
	if got := zerolog.GlobalLevel(); got != zerolog.DebugLevel {
		t.Fatalf("GlobalLevel() = %v, want debug", got)
	}

	Init(Config{Level: "loud"})
	if got := zerolog.GlobalLevel(); got != zerolog.InfoLevel {
		t.Fatalf("GlobalLevel() = %v, want info fallback", got)
	}
}
