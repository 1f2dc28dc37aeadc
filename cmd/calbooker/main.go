package main

import "github.com/example/calbooker/cmd"

func main() {
	cmd.Execute()
}
