package env

import (
	"github.com/thatsimonsguy/relay-controller/internal/config"
)

var Cfg *config.Config
