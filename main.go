package main

import "github.com/jcdickinson/rsimpl/cmd"

func main() {
	cmd.Execute()
}
