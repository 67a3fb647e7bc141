package main

import (
	"log"
	"os"

	"github.com/bcrosbie/gridlink/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:], "gridlink"); err != nil {
		log.Fatalf("%v", err)
	}
}
