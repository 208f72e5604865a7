package main

import "github.com/javi11/nzbd/cmd/nzbd/cmd"

func main() {
	cmd.Execute()
}
