package main

import (
	"log"

	"resumevault/cmd/rv/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatal(err)
	}
}
