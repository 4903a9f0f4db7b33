package main

import "github.com/nextlevelbuilder/automate/cmd"

func main() {
	cmd.Execute()
}
