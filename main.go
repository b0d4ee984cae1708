package main

import "github.com/nextlevelbuilder/ksi/cmd"

func main() {
	cmd.Execute()
}
