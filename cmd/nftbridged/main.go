package main

import (
	"log"

	"nftbridge/services/nftbridged"
)

func main() {
	if err := nftbridged.Main(); err != nil {
		log.Fatalf("nftbridged: %v", err)
	}
}
