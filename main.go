package main

import "github.com/nextlevelbuilder/afk/cmd"

func main() {
	cmd.Execute()
}
