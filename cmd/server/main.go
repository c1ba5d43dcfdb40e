package main

import "taskboard/cmd/cli"

func main() {
	cli.Execute()
}
