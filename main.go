package main

import (
	"go.uber.org/automaxprocs/maxprocs"

	"wfpscan/cmd"
)

func main() {
	_, _ = maxprocs.Set()
	cmd.Execute()
}
