package main

import "voicesdr/cmd"

func main() {
	cmd.Execute()
}
