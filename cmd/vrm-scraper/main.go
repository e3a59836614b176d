package main

import (
	"github.com/coff33ninja/vrm-auto-scraper/cmd/vrm-scraper/cmd"
)

func main() {
	cmd.Execute()
}
