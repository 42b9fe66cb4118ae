package main

import (
	"log"

	"github.com/getmodelgate/modelgate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
