package main

import "github.com/aifoundry-org/cardice/cmd"

func main() {
	cmd.Execute()
}
