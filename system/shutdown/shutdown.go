package shutdown

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/thatsimonsguy/relay-controller/internal/env"
)

// ExitFunc is swapped out in tests.
var ExitFunc = os.Exit

var resetRelays func() error

// RegisterRelayReset installs the function that drives all outputs to the
// OFF baseline during shutdown. Called once from main after the controller
// is initialized.
func RegisterRelayReset(fn func() error) {
	resetRelays = fn
}

func Shutdown() {
	if !env.Cfg.SafeMode && resetRelays != nil {
		if err := resetRelays(); err != nil {
			log.Warn().Err(err).Msg("Failed to reset relays during shutdown")
		} else {
			log.Info().Msg("All relays driven to OFF baseline")
		}
	}
	ExitFunc(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	if !env.Cfg.SafeMode && resetRelays != nil {
		if rerr := resetRelays(); rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to reset relays during shutdown")
		}
	}
	ExitFunc(1)
}
