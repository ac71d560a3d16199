package main

import (
	"log"

	"zipfiles/cmd/zipfiles/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatal(err)
	}
}
