package main

import "github.com/pulpfleet/manager/cmd"

func main() {
	cmd.Execute()
}
