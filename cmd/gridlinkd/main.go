package main

import (
	"log"
	"os"

	"github.com/bcrosbie/gridlink/internal/cli"
)

func main() {
	args := append([]string{"serve"}, os.Args[1:]...)
	if err := cli.Run(args, "gridlinkd"); err != nil {
		log.Fatalf("%v", err)
	}
}
