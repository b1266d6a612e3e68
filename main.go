package main

import (
	"os"

	"github.com/bryan-buckman/feedhub/cmd"
	log "github.com/sirupsen/logrus"

	_ "golang.org/x/crypto/x509roots/fallback" // CA roots for scratch containers
)

func main() {
	if err := cmd.RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
