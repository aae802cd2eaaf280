package main

import (
	"os"

	"github.com/dhcgn/inbox-printer/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
