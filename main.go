package main

import "github.com/nextlevelbuilder/gofer/cmd"

func main() {
	cmd.Execute()
}
