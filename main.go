package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/signalnine/tribunal/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
