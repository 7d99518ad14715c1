package main

import (
	"github.com/rs/zerolog/log"

	"github.com/vspaced/vspace/cmd/vspace/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal().
			Err(err).
			Msg("Could not run command")
	}
}
