package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger derives a child of the global logger tagged with the
// component and node it logs for.
func ComponentLogger(component, node string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Str("node", node).Logger()
}
