package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/psds-microservice/support-chat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("support-chat")
		os.Exit(1)
	}
}
