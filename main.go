package main

import (
	"github.com/openmeasure/pointhouse/core/cmd"
)

func main() {
	cmd.Main()
}
