package main

import "github.com/withobsrvr/connectctl/cmd"

func main() {
	cmd.Execute()
}
