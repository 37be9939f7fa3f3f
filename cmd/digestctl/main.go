package main

import (
	"os"
)

func main() {
	if err := (&command{}).Cmd().Execute(); err != nil {
		os.Exit(1)
	}
}
