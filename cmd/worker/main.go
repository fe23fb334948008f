package main

import (
	"log"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: worker migrate|health|repair [projectID]")
	}

	switch os.Args[1] {
	case "migrate":
		RunMigrate(os.Args[2:])
	case "health":
		RunHealth(os.Args[2:])
	case "repair":
		RunRepair(os.Args[2:])
	default:
		log.Fatalf("unknown command: %s", os.Args[1])
	}
}
