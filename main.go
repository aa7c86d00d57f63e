package main

import "magicscan/cmd"

func main() {
	cmd.Execute()
}
