// gofibctl is the command-line client for the gofibd daemon.
package main

import "github.com/dantte-lp/gofib/cmd/gofibctl/commands"

func main() {
	commands.Execute()
}
