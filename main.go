package main

import (
	"github.com/luma/pjlink/cmd"
)

func main() {
	cmd.Execute()
}
