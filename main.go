package main

import "github.com/encodeous/bativ/cmd"

func main() {
	cmd.Execute()
}
