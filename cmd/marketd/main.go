package main

import (
	"log"

	marketd "aimarket/services/marketd"
)

func main() {
	if err := marketd.Main(); err != nil {
		log.Fatalf("marketd: %v", err)
	}
}
