package main

import "github.com/joetifa2003/universal/cmd/universal/cmd"

func main() {
	cmd.Execute()
}
