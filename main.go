package main

import "github.com/ontoserve/authcore/cmd"

func main() {
	cmd.Execute()
}
