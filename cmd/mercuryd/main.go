package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mercuryim/mercury/internal/daemon"
	"github.com/mercuryim/mercury/internal/session"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user-id", "", "local account user id")
	flag.Parse()

	profileName := session.Resolve(*profileFlag)
	if err := session.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ProfileName: profileName,
			SelfUserID:  *userFlag,
		}),
	)

	app.Run()
}
